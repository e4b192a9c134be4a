// SPDX-License-Identifier: MIT

package platform

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/camdeck/camdeck/internal/camerr"
	"github.com/camdeck/camdeck/internal/config"
)

// Capabilities lists what a capture device can produce. Empty when the
// device is disconnected.
type Capabilities struct {
	Resolutions  []config.Resolution
	Framerates   []int
	PixelFormats []string
}

// Empty reports whether the device exposed no formats at all.
func (c Capabilities) Empty() bool {
	return len(c.Resolutions) == 0 && len(c.PixelFormats) == 0
}

var (
	sizeRe   = regexp.MustCompile(`Size: (?:Discrete|Stepwise) (\d+)x(\d+)`)
	fpsRe    = regexp.MustCompile(`\((\d+(?:\.\d+)?) fps\)`)
	fourccRe = regexp.MustCompile(`\[\d+\]: '([A-Z0-9 ]{4})'`)
	activeRe = regexp.MustCompile(`Active width:\s*(\d+)|Active height:\s*(\d+)`)
)

// ProbeCapture lists the formats a device offers. A disconnected device
// returns empty capabilities, not an error.
func (p *Probe) ProbeCapture(ctx context.Context, device string) (Capabilities, error) {
	out, err := p.runner(ctx, p.v4l2Bin, "--device", device, "--list-formats-ext")
	if err != nil {
		// v4l2-ctl fails when the node is missing; treat as disconnected.
		return Capabilities{}, nil
	}
	return parseFormats(string(out)), nil
}

func parseFormats(out string) Capabilities {
	var caps Capabilities
	seenRes := make(map[config.Resolution]struct{})
	seenFPS := make(map[int]struct{})
	seenFmt := make(map[string]struct{})

	scanner := bufio.NewScanner(strings.NewReader(out))
	for scanner.Scan() {
		line := scanner.Text()

		if m := fourccRe.FindStringSubmatch(line); m != nil {
			f := strings.TrimSpace(m[1])
			if _, ok := seenFmt[f]; !ok {
				seenFmt[f] = struct{}{}
				caps.PixelFormats = append(caps.PixelFormats, f)
			}
		}
		if m := sizeRe.FindStringSubmatch(line); m != nil {
			w, _ := strconv.Atoi(m[1])
			h, _ := strconv.Atoi(m[2])
			r := config.Resolution{Width: w, Height: h}
			if _, ok := seenRes[r]; !ok {
				seenRes[r] = struct{}{}
				caps.Resolutions = append(caps.Resolutions, r)
			}
		}
		for _, m := range fpsRe.FindAllStringSubmatch(line, -1) {
			f, _ := strconv.ParseFloat(m[1], 64)
			fps := int(f)
			if fps <= 0 {
				continue
			}
			if _, ok := seenFPS[fps]; !ok {
				seenFPS[fps] = struct{}{}
				caps.Framerates = append(caps.Framerates, fps)
			}
		}
	}
	return caps
}

// QueryTimings returns the resolution the HDMI source currently imposes.
// Fails with KindNoSignal when the device reports no incoming signal.
func (p *Probe) QueryTimings(ctx context.Context, device string) (config.Resolution, error) {
	out, err := p.runner(ctx, p.v4l2Bin, "--device", device, "--query-dv-timings")
	text := string(out)
	if err != nil || strings.Contains(text, "no signal") || strings.Contains(text, "failed") {
		return config.Resolution{}, camerr.Newf(camerr.KindNoSignal, "device %s reports no signal", device)
	}
	res, ok := parseTimings(text)
	if !ok {
		return config.Resolution{}, camerr.Newf(camerr.KindNoSignal, "device %s returned no timings", device)
	}
	return res, nil
}

func parseTimings(out string) (config.Resolution, bool) {
	var res config.Resolution
	scanner := bufio.NewScanner(strings.NewReader(out))
	for scanner.Scan() {
		line := scanner.Text()
		for _, m := range activeRe.FindAllStringSubmatch(line, -1) {
			if m[1] != "" {
				res.Width, _ = strconv.Atoi(m[1])
			}
			if m[2] != "" {
				res.Height, _ = strconv.Atoi(m[2])
			}
		}
	}
	return res, res.Width > 0 && res.Height > 0
}

// ProbeBusy checks whether a capture device can be opened. Used by the
// mode arbiter to verify that the outgoing mode released its devices.
func ProbeBusy(ctx context.Context, device string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		fd, err := syscall.Open(device, syscall.O_RDWR|syscall.O_NONBLOCK, 0)
		if err == nil {
			_ = syscall.Close(fd)
			return nil
		}
		if os.IsNotExist(err) {
			// A missing node cannot be held by anyone.
			return nil
		}
		if err != syscall.EBUSY {
			return fmt.Errorf("open %s: %w", device, err)
		}
		if time.Now().After(deadline) {
			return camerr.Newf(camerr.KindDeviceBusy, "device %s still busy", device)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(200 * time.Millisecond):
		}
	}
}
