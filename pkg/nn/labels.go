package nn

// Detection is an object that a neural network has found in an image.
// Box is normalized to the image that the network saw.
type Detection struct {
	Class      int     `json:"class"`
	Confidence float32 `json:"confidence"`
	Box        BBox    `json:"box"`
}

// ClassName returns the name of the class, or "unknown" if 'class' is out of range
func ClassName(classes []string, class int) string {
	if class < 0 || class >= len(classes) {
		return "unknown"
	}
	return classes[class]
}
