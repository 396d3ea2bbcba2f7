package content

// Grid describes how a message's images are laid out.
type Grid struct {
	Columns     int `json:"columns"`
	MaxHeightPx int `json:"max_height_px"`
}

// Layout returns the image grid for n images. ok is false when there is nothing to show.
func Layout(n int) (g Grid, ok bool) {
	switch {
	case n <= 0:
		return Grid{}, false
	case n == 1:
		return Grid{Columns: 1, MaxHeightPx: 180}, true
	default:
		return Grid{Columns: 2, MaxHeightPx: 120}, true
	}
}
