package detection

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"occupancy-service/internal/domain/occupancy"
)

// ParseLabels reads YOLO label text: one "class xc yc w h [conf]" line per
// object. A missing confidence column means 1.0.
func ParseLabels(r io.Reader) ([]occupancy.RawDetection, error) {
	var out []occupancy.RawDetection
	scanner := bufio.NewScanner(r)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}
		if len(fields) < 5 {
			return nil, fmt.Errorf("%w: line %d has %d fields", ErrMalformedOutput, lineNum, len(fields))
		}

		classID, err := strconv.Atoi(fields[0])
		if err != nil {
			return nil, fmt.Errorf("%w: line %d: class id %q", ErrMalformedOutput, lineNum, fields[0])
		}

		values := make([]float64, 0, 5)
		for _, f := range fields[1:min(len(fields), 6)] {
			v, err := strconv.ParseFloat(f, 64)
			if err != nil {
				return nil, fmt.Errorf("%w: line %d: value %q", ErrMalformedOutput, lineNum, f)
			}
			values = append(values, v)
		}

		confidence := 1.0
		if len(values) == 5 {
			confidence = values[4]
		}
		out = append(out, occupancy.RawDetection{
			ClassID:    classID,
			XCenter:    values[0],
			YCenter:    values[1],
			Width:      values[2],
			Height:     values[3],
			Confidence: confidence,
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedOutput, err)
	}
	return out, nil
}
