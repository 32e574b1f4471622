package service

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"universal-proxy-go/internal/model"
)

var (
	// ErrMissingTarget is returned when the target parameter is absent or empty.
	ErrMissingTarget = errors.New("missing target parameter")

	// ErrInvalidTarget is returned when the target is not an absolute http(s) URL.
	ErrInvalidTarget = errors.New("invalid target URL")
)

// InvalidTargetError reports why a target value was rejected.
// It matches ErrInvalidTarget with errors.Is.
type InvalidTargetError struct {
	Value  string
	Reason string
}

func (e *InvalidTargetError) Error() string {
	return fmt.Sprintf("%v %q: %s", ErrInvalidTarget, e.Value, e.Reason)
}

// Is reports whether target is ErrInvalidTarget.
func (e *InvalidTargetError) Is(target error) bool {
	return target == ErrInvalidTarget
}

// ParseTarget extracts the target URL from rawQuery and appends every other
// inbound query parameter to it, in order and verbatim. Parameters already on
// the target are kept, so a repeated name ends up with both values.
//
// When param occurs more than once the first occurrence is the target and
// the rest are dropped.
func ParseTarget(rawQuery, param string) (*model.TargetDescriptor, error) {
	var (
		raw   string
		found bool
		extra []string
	)

	for _, pair := range strings.Split(rawQuery, "&") {
		if pair == "" {
			continue
		}
		k, v, _ := strings.Cut(pair, "=")
		if key, err := url.QueryUnescape(k); err != nil || key != param {
			extra = append(extra, pair)
			continue
		}
		if found {
			continue
		}
		found = true
		value, err := url.QueryUnescape(v)
		if err != nil {
			return nil, &InvalidTargetError{Value: v, Reason: "malformed percent-encoding"}
		}
		raw = value
	}

	if strings.TrimSpace(raw) == "" {
		return nil, ErrMissingTarget
	}

	u, err := url.Parse(raw)
	if err != nil {
		var ue *url.Error
		if errors.As(err, &ue) {
			err = ue.Err
		}
		return nil, &InvalidTargetError{Value: raw, Reason: err.Error()}
	}
	if !u.IsAbs() || u.Host == "" {
		return nil, &InvalidTargetError{Value: raw, Reason: "scheme and host are required"}
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, &InvalidTargetError{Value: raw, Reason: fmt.Sprintf("unsupported scheme %q", u.Scheme)}
	}

	u.Fragment = ""
	u.RawFragment = ""
	if len(extra) > 0 {
		joined := strings.Join(extra, "&")
		if u.RawQuery == "" {
			u.RawQuery = joined
		} else {
			u.RawQuery += "&" + joined
		}
		u.ForceQuery = false
	}

	return &model.TargetDescriptor{URL: u}, nil
}
