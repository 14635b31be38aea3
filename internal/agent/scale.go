package agent

// scalePoint maps a point from capture space to true screen space using
// independent horizontal and vertical factors. Identity when the two
// resolutions match.
func scalePoint(x, y, captureW, captureH, screenW, screenH int) (int, int) {
	if captureW <= 0 || captureH <= 0 {
		return x, y
	}
	if captureW == screenW && captureH == screenH {
		return x, y
	}
	sx := int(float64(x) * float64(screenW) / float64(captureW))
	sy := int(float64(y) * float64(screenH) / float64(captureH))
	return sx, sy
}
