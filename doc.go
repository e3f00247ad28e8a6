/*
go-tangram estimates every camera frame the alignment between a physical
seven piece tangram and its canonical 2D layout.

Segmentation detections from an instance segmentation model are turned into
piece polygons, matched against the canonical piece shapes with a shared
homography, a global scale and one rigid pose per piece, and smoothed over
time with a Kalman filter. Once the homography has been stable for a number
of frames it is locked so only the piece poses move.

The Pipeline type ties the stages together. The stages are usable on their
own from the refine, bundle and tracker packages.

See example code and usage in the example subdirectory.
*/
package tangram
