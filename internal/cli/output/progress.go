package output

import (
	"fmt"
	"io"
	"strings"
	"sync"
)

// ProgressBar draws transfer progress on a terminal line.
type ProgressBar struct {
	w       io.Writer
	title   string
	total   int64
	current int64
	width   int
	mu      sync.Mutex
}

// NewProgressBar creates a bar for total bytes. A total of zero or less
// shows a running byte count instead.
func NewProgressBar(w io.Writer, title string, total int64) *ProgressBar {
	return &ProgressBar{w: w, title: title, total: total, width: 30}
}

// Add records n more bytes.
func (p *ProgressBar) Add(n int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.current += n
	p.render()
}

// Finish draws the final state and ends the line.
func (p *ProgressBar) Finish() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.total > 0 {
		p.current = p.total
	}
	p.render()
	fmt.Fprintln(p.w)
}

func (p *ProgressBar) render() {
	if p.total <= 0 {
		fmt.Fprintf(p.w, "\r%s %s", p.title, Bytes(p.current))
		return
	}
	frac := min(float64(p.current)/float64(p.total), 1)
	filled := int(float64(p.width) * frac)
	fmt.Fprintf(p.w, "\r%s [%s%s] %3.0f%% %s/%s",
		p.title,
		strings.Repeat("#", filled), strings.Repeat(".", p.width-filled),
		frac*100, Bytes(p.current), Bytes(p.total))
}

// Reader wraps r so that reads advance the bar.
func (p *ProgressBar) Reader(r io.Reader) io.Reader {
	return &progressReader{r: r, bar: p}
}

type progressReader struct {
	r   io.Reader
	bar *ProgressBar
}

func (r *progressReader) Read(b []byte) (int, error) {
	n, err := r.r.Read(b)
	if n > 0 {
		r.bar.Add(int64(n))
	}
	return n, err
}
