package detection

import (
	"strings"

	"github.com/samber/lo"
)

// SelectTarget picks the detection with the largest box. Equal areas are
// broken by the leftmost center, then the topmost center, then input order.
func SelectTarget(detections []Detection) (Detection, bool) {
	if len(detections) == 0 {
		return Detection{}, false
	}
	return lo.MaxBy(detections, func(a, b Detection) bool {
		if a.BBox.Area() != b.BBox.Area() {
			return a.BBox.Area() > b.BBox.Area()
		}
		if a.BBox.CenterX() != b.BBox.CenterX() {
			return a.BBox.CenterX() < b.BBox.CenterX()
		}
		return a.BBox.CenterY() < b.BBox.CenterY()
	}), true
}

// Filter keeps detections at or above threshold whose class is in classes.
// An empty class list keeps every class.
func Filter(detections []Detection, threshold float64, classes []string) []Detection {
	return lo.Filter(detections, func(d Detection, _ int) bool {
		if d.Confidence < threshold {
			return false
		}
		if len(classes) == 0 {
			return true
		}
		return lo.ContainsBy(classes, func(c string) bool {
			return strings.EqualFold(c, d.ClassName)
		})
	})
}
