package catalog

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
)

// ErrMalformedGranule marks an acquisition identifier that does not follow the
// Sentinel-1 naming convention. Not retryable: the identifier will never
// become valid.
var ErrMalformedGranule = errors.New("malformed granule name")

// reGranule matches Sentinel-1 product names, e.g.
// S1A_IW_SLC__1SDV_20230115T170012_20230115T170039_046789_059B2F_AB12.
var reGranule = regexp.MustCompile(
	`^(S1[AB])_(IW|EW|S[1-6]|WV)_(SLC_|GRDH|GRDM|RAW_|OCN_)_(1|2)S(SH|SV|DH|DV)_` +
		`(\d{8}T\d{6})_(\d{8}T\d{6})_(\d{6})_([0-9A-F]{6})_([0-9A-F]{4})$`)

// Granule is a parsed Sentinel-1 acquisition identifier.
type Granule struct {
	Name            string
	Mission         string
	AcquisitionDate time.Time
}

// ParseGranule validates a Sentinel-1 granule name and extracts the
// acquisition start date. Trailing .SAFE or .zip suffixes are tolerated since
// callers often pass archive file names.
func ParseGranule(name string) (Granule, error) {
	trimmed := strings.TrimSuffix(strings.TrimSuffix(name, ".zip"), ".SAFE")

	m := reGranule.FindStringSubmatch(trimmed)
	if m == nil {
		return Granule{}, fmt.Errorf("%w: %q", ErrMalformedGranule, name)
	}

	date, err := time.Parse("20060102T150405", m[6])
	if err != nil {
		return Granule{}, fmt.Errorf("%w: %q: %v", ErrMalformedGranule, name, err)
	}

	return Granule{
		Name:            trimmed,
		Mission:         m[1],
		AcquisitionDate: date.UTC(),
	}, nil
}
