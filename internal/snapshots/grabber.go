package snapshots

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"

	"github.com/technosupport/ts-camgw/internal/mediamtx"
)

// Grabber captures a single encoded frame from a camera's stream.
type Grabber interface {
	Grab(ctx context.Context, streamURL, format string, quality int) ([]byte, error)
}

// ExecGrabber shells out to ffmpeg to pull one frame off the RTSP stream.
// The media server keeps the stream warm, so a single-frame pull is cheap.
type ExecGrabber struct {
	// Binary defaults to "ffmpeg".
	Binary string
}

func (g *ExecGrabber) Grab(ctx context.Context, streamURL, format string, quality int) ([]byte, error) {
	bin := g.Binary
	if bin == "" {
		bin = "ffmpeg"
	}

	args := []string{
		"-hide_banner", "-loglevel", "error",
		"-rtsp_transport", "tcp",
		"-i", streamURL,
		"-frames:v", "1",
	}
	switch format {
	case "jpeg":
		// ffmpeg's mjpeg qscale runs 2 (best) to 31 (worst).
		q := 2 + (100-quality)*29/99
		args = append(args, "-c:v", "mjpeg", "-qscale:v", strconv.Itoa(q), "-f", "image2")
	case "png":
		args = append(args, "-c:v", "png", "-f", "image2")
	default:
		return nil, fmt.Errorf("unknown snapshot format %q", format)
	}
	args = append(args, "pipe:1")

	var out, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, bin, args...)
	cmd.Stdout = &out
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: frame capture: %v", mediamtx.ErrTimeout, ctx.Err())
		}
		return nil, fmt.Errorf("%w: frame capture: %v: %s", mediamtx.ErrInternal, err,
			bytes.TrimSpace(stderr.Bytes()))
	}
	if out.Len() == 0 {
		return nil, fmt.Errorf("%w: frame capture produced no data", mediamtx.ErrInternal)
	}
	return out.Bytes(), nil
}
