package postprocess

// sortByScore returns the indexes of dets ordered by descending score. It is
// a quick sort over the index slice so dets itself is left in place, equal
// scores keep no particular order.
func sortByScore(dets []Detection) []int {

	order := make([]int, len(dets))

	for i := range order {
		order[i] = i
	}

	quickSortByScore(dets, order, 0, len(order)-1)

	return order
}

func quickSortByScore(dets []Detection, order []int, left, right int) {

	if left >= right {
		return
	}

	low, high := left, right
	pivot := order[left]
	key := dets[pivot].Score

	for low < high {
		for low < high && dets[order[high]].Score <= key {
			high--
		}

		order[low] = order[high]

		for low < high && dets[order[low]].Score >= key {
			low++
		}

		order[high] = order[low]
	}

	order[low] = pivot

	quickSortByScore(dets, order, left, low-1)
	quickSortByScore(dets, order, low+1, right)
}

// nms suppresses boxes of the same class that overlap a higher scoring box
// by more than threshold. order holds indexes into dets sorted by descending
// score, suppressed entries are set to -1.
func nms(dets []Detection, order []int, threshold float32) {

	for i, n := range order {

		if n == -1 {
			continue
		}

		for j := i + 1; j < len(order); j++ {
			m := order[j]

			if m == -1 || dets[m].ClassID != dets[n].ClassID {
				continue
			}

			if dets[n].Box.IoU(dets[m].Box) > threshold {
				order[j] = -1
			}
		}
	}
}

// clampF32 restricts val to the range lo to hi
func clampF32(val, lo, hi float32) float32 {

	if val < lo {
		return lo
	}

	if val > hi {
		return hi
	}

	return val
}
