package protocol

import (
	"fmt"
	"strconv"
	"strings"
)

// MaxFrameLength is the size of the arm's command characteristic.
const MaxFrameLength = 20

// DefaultClassID is sent for class names missing from the class table.
const DefaultClassID = 1

// ClassTable maps detection class names to the integers the arm firmware understands.
type ClassTable map[string]int

// DefaultClassTable matches the shapes the arm firmware knows how to pick up.
var DefaultClassTable = ClassTable{
	"cube":        1,
	"cylinder":    2,
	"half_circle": 3,
	"arch":        4,
	"triangle":    5,
	"rectangle":   6,
}

// ID returns the class identifier for name, or DefaultClassID if name is unknown. A nil table
// behaves like DefaultClassTable.
func (t ClassTable) ID(name string) int {
	if t == nil {
		t = DefaultClassTable
	}
	if id, ok := t[name]; ok {
		return id
	}
	return DefaultClassID
}

// ParseClassTable parses a comma-separated list of name=id pairs, e.g. "cube=1,arch=4".
func ParseClassTable(spec string) (ClassTable, error) {
	table := make(ClassTable)
	for _, entry := range strings.Split(spec, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		name, value, ok := strings.Cut(entry, "=")
		if !ok || strings.TrimSpace(name) == "" {
			return nil, fmt.Errorf("invalid class table entry '%s'", entry)
		}
		id, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil || id < 0 {
			return nil, fmt.Errorf("invalid class id in '%s'", entry)
		}
		table[strings.TrimSpace(name)] = id
	}
	if len(table) == 0 {
		return nil, fmt.Errorf("empty class table")
	}
	return table, nil
}

// ClassID looks up class in DefaultClassTable.
func ClassID(class string) int {
	return DefaultClassTable.ID(class)
}

// Readiness is the arm state reported on the status characteristic.
type Readiness int

const (
	Idle Readiness = iota
	Busy
)

func (r Readiness) String() string {
	if r == Idle {
		return "idle"
	}
	return "busy"
}

// DecodeReadiness maps a status byte to a Readiness. Only 0 means idle.
func DecodeReadiness(b byte) Readiness {
	if b == 0 {
		return Idle
	}
	return Busy
}

// DecodeReadinessFrame decodes the first byte of a notification.
func DecodeReadinessFrame(frame []byte) (Readiness, error) {
	if len(frame) == 0 {
		return Busy, ErrEmptyFrame
	}
	return DecodeReadiness(frame[0]), nil
}

// IsExpectedReadiness returns false for status bytes the firmware is not known to send.
func IsExpectedReadiness(b byte) bool {
	return b == 0 || b == 1
}

// EncodeShape renders the frame-size command.
func EncodeShape(width, height int) string {
	return fmt.Sprintf("S %d %d", width, height)
}

// EncodeTarget renders the target command for an object centred at (cx, cy).
func EncodeTarget(cx, cy, classID int) string {
	return fmt.Sprintf("T %d %d %d", cx, cy, classID)
}

// SelectBestDetection returns the detection with the highest confidence. Earlier detections win
// ties. Panics if detections is empty.
func SelectBestDetection(detections []Detection) Detection {
	if len(detections) == 0 {
		panic("protocol: SelectBestDetection called without detections")
	}
	best := detections[0]
	for _, d := range detections[1:] {
		if d.Confidence > best.Confidence {
			best = d
		}
	}
	return best
}

// Command is the ordered pair of frames sent for one payload. Shape must be acknowledged before
// Target is written.
type Command struct {
	Shape  string
	Target string
}

// Frames returns the frames in wire order.
func (c Command) Frames() []string {
	return []string{c.Shape, c.Target}
}

// EncodeCommand builds the command for the best detection in p, looking up class identifiers in
// classes (nil selects DefaultClassTable).
func EncodeCommand(p *DetectionPayload, classes ClassTable) (Command, error) {
	if p.CropShape == nil {
		return Command{}, fmt.Errorf("%w: missing crop_shape", ErrValidation)
	}
	if len(p.Detections) == 0 {
		return Command{}, fmt.Errorf("%w: no detections", ErrValidation)
	}
	best := SelectBestDetection(p.Detections)
	cmd := Command{
		Shape:  EncodeShape(p.CropShape.Width(), p.CropShape.Height()),
		Target: EncodeTarget(int(best.CenterPx[0]), int(best.CenterPx[1]), classes.ID(best.Class)),
	}
	for _, frame := range cmd.Frames() {
		if len(frame) > MaxFrameLength {
			return Command{}, fmt.Errorf("%w: '%s'", ErrFrameTooLong, frame)
		}
	}
	return cmd, nil
}
