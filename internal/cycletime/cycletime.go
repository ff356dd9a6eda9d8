package cycletime

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

const FormatHint = "invalid format (example: 5(12)4)"

var pattern = regexp.MustCompile(`^\s*(\d+(?:\.\d+)?)\s*\(\s*(\d+(?:\.\d+)?)\s*\)\s*(\d+(?:\.\d+)?)\s*$`)

// CycleTime is one pre/machine/post timing triple in seconds.
type CycleTime struct {
	Pre     float64
	Machine float64
	Post    float64
}

func (c CycleTime) Total() float64 {
	return c.Pre + c.Machine + c.Post
}

func (c CycleTime) String() string {
	return fmt.Sprintf("%.1f(%.1f)%.1f", c.Pre, c.Machine, c.Post)
}

// Parse reads the pre(machine)post notation. Empty or malformed text
// reports ok=false; it never fails loudly.
func Parse(text string) (CycleTime, bool) {
	m := pattern.FindStringSubmatch(text)
	if m == nil {
		return CycleTime{}, false
	}
	var vals [3]float64
	for i := range vals {
		v, err := strconv.ParseFloat(m[i+1], 64)
		if err != nil {
			return CycleTime{}, false
		}
		vals[i] = v
	}
	return CycleTime{Pre: vals[0], Machine: vals[1], Post: vals[2]}, true
}

// Optional is Parse for nullable reading fields.
func Optional(text string) *CycleTime {
	ct, ok := Parse(text)
	if !ok {
		return nil
	}
	return &ct
}

func Format(ct *CycleTime) string {
	if ct == nil {
		return ""
	}
	return ct.String()
}

// Validate is the strict entry-time check. Blank text is accepted because
// every reading is optional.
func Validate(text string) (bool, string) {
	if strings.TrimSpace(text) == "" {
		return true, ""
	}
	if _, ok := Parse(text); !ok {
		return false, FormatHint
	}
	return true, ""
}

// Average is the component-wise mean of the readings that are present.
func Average(readings ...*CycleTime) *CycleTime {
	var sum CycleTime
	n := 0
	for _, r := range readings {
		if r == nil {
			continue
		}
		sum.Pre += r.Pre
		sum.Machine += r.Machine
		sum.Post += r.Post
		n++
	}
	if n == 0 {
		return nil
	}
	f := float64(n)
	return &CycleTime{Pre: sum.Pre / f, Machine: sum.Machine / f, Post: sum.Post / f}
}

// MarshalJSON writes the canonical text form.
func (c CycleTime) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.String())
}

func (c *CycleTime) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	ct, ok := Parse(s)
	if !ok {
		return fmt.Errorf("cycle time %q: %s", s, FormatHint)
	}
	*c = ct
	return nil
}
