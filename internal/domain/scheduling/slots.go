package scheduling

import (
	"fmt"
	"strings"
	"time"

	"github.com/samber/lo"
)

// DayLayout is the civil-date format used for appointment days.
const DayLayout = "2006-01-02"

// DefaultSlotLabels is the daily catalog: half-hour slots over a morning
// and an afternoon block.
var DefaultSlotLabels = []string{
	"09:00 AM", "09:30 AM", "10:00 AM", "10:30 AM", "11:00 AM", "11:30 AM",
	"02:00 PM", "02:30 PM", "03:00 PM", "03:30 PM", "04:00 PM", "04:30 PM",
}

// SlotKey identifies one bookable slot on one appointment day.
type SlotKey struct {
	Day   string `json:"day"`
	Label string `json:"slot"`
}

func (k SlotKey) String() string { return k.Day + " " + k.Label }

// Catalog is the fixed, ordered set of bookable labels for any day.
type Catalog struct {
	labels []string
}

// NewCatalog builds a catalog from labels, trimming blanks and duplicates
// while keeping the given order.
func NewCatalog(labels []string) (*Catalog, error) {
	cleaned := lo.Uniq(lo.FilterMap(labels, func(l string, _ int) (string, bool) {
		l = strings.TrimSpace(l)
		return l, l != ""
	}))
	if len(cleaned) == 0 {
		return nil, fmt.Errorf("slot catalog is empty")
	}
	return &Catalog{labels: cleaned}, nil
}

// DefaultCatalog returns the catalog of DefaultSlotLabels.
func DefaultCatalog() *Catalog {
	return &Catalog{labels: append([]string{}, DefaultSlotLabels...)}
}

// Labels returns a copy of the catalog in order.
func (c *Catalog) Labels() []string {
	return append([]string{}, c.labels...)
}

// Contains reports whether label is bookable.
func (c *Catalog) Contains(label string) bool {
	return lo.Contains(c.labels, label)
}

// Key validates a (day, label) pair and returns its normalized key.
func (c *Catalog) Key(day, label string) (SlotKey, error) {
	var fields []string
	d, err := ParseDay(day)
	if err != nil {
		fields = append(fields, "day")
	}
	if !c.Contains(label) {
		fields = append(fields, "slot")
	}
	if len(fields) > 0 {
		return SlotKey{}, &ValidationError{Fields: fields}
	}
	return SlotKey{Day: d, Label: label}, nil
}

// ParseDay normalizes a YYYY-MM-DD day string.
func ParseDay(day string) (string, error) {
	t, err := time.Parse(DayLayout, strings.TrimSpace(day))
	if err != nil {
		return "", &ValidationError{Fields: []string{"day"}}
	}
	return t.Format(DayLayout), nil
}
