package executor

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// HTTPLocator asks an external template-matching service where a control
// sits on the screenshot.
type HTTPLocator struct {
	BaseURL string
	Client  *http.Client
}

func NewHTTPLocator(baseURL string) *HTTPLocator {
	return &HTTPLocator{
		BaseURL: baseURL,
		Client:  &http.Client{Timeout: 15 * time.Second},
	}
}

type locateRequest struct {
	Control string `json:"control"`
	Image   string `json:"image"` // base64 PNG
}

type locateResponse struct {
	Found      bool    `json:"found"`
	X          int     `json:"x"`
	Y          int     `json:"y"`
	Confidence float64 `json:"confidence"`
}

func (l *HTTPLocator) Locate(ctx context.Context, screenshot []byte, control Control) (Point, float64, bool, error) {
	body, err := json.Marshal(locateRequest{
		Control: string(control),
		Image:   base64.StdEncoding.EncodeToString(screenshot),
	})
	if err != nil {
		return Point{}, 0, false, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, l.BaseURL+"/locate", bytes.NewReader(body))
	if err != nil {
		return Point{}, 0, false, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := l.Client.Do(req)
	if err != nil {
		return Point{}, 0, false, err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return Point{}, 0, false, fmt.Errorf("locator: unexpected status %d", resp.StatusCode)
	}

	var out locateResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&out); err != nil {
		return Point{}, 0, false, err
	}
	return Point{X: out.X, Y: out.Y}, out.Confidence, out.Found, nil
}

var _ Locator = (*HTTPLocator)(nil)

// StaticLocator serves fixed per-control coordinates for the 1080x1920
// layout. It is the fallback when no template-matching service is
// configured; coordinates come from the verified automation scripts.
type StaticLocator struct{}

var staticPoints = map[Control]Point{
	ControlLike:    {X: 540, Y: 1400},
	ControlCompose: {X: 540, Y: 600},
	ControlPost:    {X: 980, Y: 350},
}

func (StaticLocator) Locate(_ context.Context, _ []byte, control Control) (Point, float64, bool, error) {
	pt, ok := staticPoints[control]
	if !ok {
		return Point{}, 0, false, nil
	}
	return pt, 1, true, nil
}

var _ Locator = StaticLocator{}
