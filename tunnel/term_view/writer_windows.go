//go:build windows

package term_view

// in-place redraw needs ANSI handling that plain windows consoles lack;
// the live view degrades to appending output.
func (w *Writer) clearLines() {}
