package console

import (
	"fmt"
	"io"
	"os"
	"time"

	"segarb/internal/application/port"
)

type Sink struct {
	w io.Writer
}

func NewSink() *Sink { return &Sink{w: os.Stdout} }

// NewSinkTo writes to w instead of stdout.
func NewSinkTo(w io.Writer) *Sink { return &Sink{w: w} }

// live 行用 \r 覆盖上一行
func (s *Sink) WriteLive(line string) error {
	_, err := fmt.Fprint(s.w, "\r"+line) // no newline
	return err
}

// 打印快照行后，留一个空行占位；不立刻重画 live，等下一次变化刷新
func (s *Sink) WriteSnapshot(ts time.Time, line string) error {
	_, err := fmt.Fprintf(s.w, "\n%s %s\n\n", ts.Format("2006-01-02 15:04:05"), line)
	return err
}

func (s *Sink) NewLine() error {
	_, err := fmt.Fprint(s.w, "\n")
	return err
}

var _ port.Sink = (*Sink)(nil)
