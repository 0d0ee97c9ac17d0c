package duoplus

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
)

// The command strings below are the verified automation flows; treat them
// as part of the provider contract.

// OpenURL opens a URL in Chrome on the device.
func (c *Client) OpenURL(ctx context.Context, deviceID, url string) error {
	cmd := fmt.Sprintf(`am start -a android.intent.action.VIEW -d "%s" -p com.android.chrome`, url)
	res, err := c.RunCommand(ctx, deviceID, cmd)
	if err != nil {
		return err
	}
	if !res.OK() {
		return &CommandError{Op: "open_url", Code: res.Code, Message: res.Msg}
	}
	return nil
}

// Screenshot captures the screen and returns the decoded PNG bytes.
func (c *Client) Screenshot(ctx context.Context, deviceID string) ([]byte, error) {
	const cmd = "screencap -p /sdcard/screen.png && base64 /sdcard/screen.png"
	res, err := c.RunCommand(ctx, deviceID, cmd)
	if err != nil {
		return nil, err
	}
	if !res.OK() || !res.Data.Success {
		return nil, &CommandError{Op: "screenshot", Code: res.Code, Message: res.Msg}
	}
	b64 := strings.ReplaceAll(strings.TrimSpace(res.Data.Content), "\n", "")
	img, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, fmt.Errorf("duoplus: screenshot decode: %w", err)
	}
	return img, nil
}

// Tap taps the given screen coordinates.
func (c *Client) Tap(ctx context.Context, deviceID string, x, y int) error {
	res, err := c.RunCommand(ctx, deviceID, fmt.Sprintf("input tap %d %d", x, y))
	if err != nil {
		return err
	}
	if !res.OK() {
		return &CommandError{Op: "tap", Code: res.Code, Message: res.Msg}
	}
	return nil
}

// ScrollDown swipes one screen down (540,1500 -> 540,500 over 500ms).
func (c *Client) ScrollDown(ctx context.Context, deviceID string) error {
	res, err := c.RunCommand(ctx, deviceID, "input swipe 540 1500 540 500 500")
	if err != nil {
		return err
	}
	if !res.OK() {
		return &CommandError{Op: "scroll", Code: res.Code, Message: res.Msg}
	}
	return nil
}

// InputText types text through the ADB broadcast keyboard.
func (c *Client) InputText(ctx context.Context, deviceID, text string) error {
	// Escape single quotes for the shell.
	escaped := strings.ReplaceAll(text, "'", `'\''`)
	cmd := fmt.Sprintf("am broadcast -a ADB_INPUT_TEXT --es msg '%s'", escaped)
	res, err := c.RunCommand(ctx, deviceID, cmd)
	if err != nil {
		return err
	}
	if !res.OK() {
		return &CommandError{Op: "input_text", Code: res.Code, Message: res.Msg}
	}
	return nil
}
