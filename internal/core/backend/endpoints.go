package backend

import (
	"errors"
	"fmt"
	"net/url"
	"slices"
	"strings"

	"github.com/PocketPalCo/support-bot/config"
)

// Endpoint names a backend operation.
type Endpoint string

const (
	EndpointOrderByNumber Endpoint = "number"
	EndpointOrderBySerial Endpoint = "serial"
	EndpointNationalID    Endpoint = "national_id"
	EndpointUserOrders    Endpoint = "user_orders"
	EndpointComplaint     Endpoint = "submit_complaint"
	EndpointRepair        Endpoint = "submit_repair"
	EndpointRating        Endpoint = "submit_rating"
)

// Endpoints resolves operation names to absolute URLs. Relative paths are
// joined onto the base URL.
type Endpoints struct {
	base  string
	paths map[Endpoint]string
}

func NewEndpoints(cfg config.EndpointsConfig) *Endpoints {
	return &Endpoints{
		base: strings.TrimRight(cfg.BaseURL, "/"),
		paths: map[Endpoint]string{
			EndpointOrderByNumber: cfg.Number,
			EndpointOrderBySerial: cfg.Serial,
			EndpointNationalID:    cfg.NationalID,
			EndpointUserOrders:    cfg.UserOrders,
			EndpointComplaint:     cfg.Complaint,
			EndpointRepair:        cfg.Repair,
			EndpointRating:        cfg.Rating,
		},
	}
}

func (e *Endpoints) Resolve(name Endpoint) (string, error) {
	path := strings.TrimSpace(e.paths[name])
	if path == "" {
		return "", &Error{Kind: KindConfiguration, Endpoint: string(name), Err: errors.New("endpoint not configured")}
	}
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		return path, nil
	}
	if e.base == "" {
		return "", &Error{Kind: KindConfiguration, Endpoint: string(name), Err: errors.New("relative endpoint without base url")}
	}
	return e.base + "/" + strings.TrimLeft(path, "/"), nil
}

var requiredEndpoints = []Endpoint{
	EndpointOrderByNumber,
	EndpointOrderBySerial,
	EndpointNationalID,
}

// Configured reports whether name has a path. Optional operations are
// disabled when it does not.
func (e *Endpoints) Configured(name Endpoint) bool {
	return strings.TrimSpace(e.paths[name]) != ""
}

// Validate resolves the required endpoints and every configured optional one
// so misconfiguration fails at startup.
func (e *Endpoints) Validate() error {
	var errs []error
	for name := range e.paths {
		if !e.Configured(name) && !slices.Contains(requiredEndpoints, name) {
			continue
		}
		raw, err := e.Resolve(name)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if _, err := url.ParseRequestURI(raw); err != nil {
			errs = append(errs, &Error{Kind: KindConfiguration, Endpoint: string(name), Err: fmt.Errorf("invalid url %q: %w", raw, err)})
		}
	}
	return errors.Join(errs...)
}
