package observability

import (
	"bufio"
	"io"
	"strconv"
	"strings"
	"time"
)

// maxFrameLine bounds one line of the stream. Snapshots of large runs are a
// single data line.
const maxFrameLine = 4 << 20

// Frame is one dispatched Server-Sent Events message.
type Frame struct {
	ID    string
	Event string
	Data  string
	// Retry is set when the frame carried a retry field.
	Retry time.Duration
	// Comment holds the text of a comment-only frame, such as a heartbeat.
	Comment string
}

// IsComment reports whether the frame carried nothing but comments.
func (f Frame) IsComment() bool {
	return f.Comment != "" && f.Event == "" && f.Data == "" && f.ID == ""
}

// ReadFrames parses an event stream and calls fn for every frame that carries
// a field or a comment. It returns fn's first error, the reader's error, or
// nil at EOF.
func ReadFrames(r io.Reader, fn func(Frame) error) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxFrameLine)

	var (
		f     Frame
		data  []string
		dirty bool
	)
	dispatch := func() error {
		if !dirty {
			return nil
		}
		f.Data = strings.Join(data, "\n")
		err := fn(f)
		f, data, dirty = Frame{}, nil, false
		return err
	}

	for sc.Scan() {
		line := sc.Text()
		if line == "" {
			if err := dispatch(); err != nil {
				return err
			}
			continue
		}
		if strings.HasPrefix(line, ":") {
			text := strings.TrimPrefix(strings.TrimPrefix(line, ":"), " ")
			if f.Comment != "" {
				f.Comment += "\n"
			}
			f.Comment += text
			dirty = true
			continue
		}

		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "id":
			f.ID = value
		case "event":
			f.Event = value
		case "data":
			data = append(data, value)
		case "retry":
			ms, err := strconv.Atoi(value)
			if err != nil || ms < 0 {
				continue
			}
			f.Retry = time.Duration(ms) * time.Millisecond
		default:
			continue
		}
		dirty = true
	}
	if err := sc.Err(); err != nil {
		return err
	}
	// A frame without its terminating blank line is incomplete and dropped.
	return nil
}
