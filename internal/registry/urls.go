package registry

import (
	"fmt"

	"github.com/technosupport/ts-camgw/internal/config"
)

// StreamURLs are the client-facing endpoints for one camera, served by the
// media server, not by this gateway.
type StreamURLs struct {
	RTSP   string `json:"rtsp"`
	HLS    string `json:"hls"`
	WebRTC string `json:"webrtc"`
}

// URLBuilder deterministically derives stream URLs from camera identity and
// the media server's configured host/ports.
type URLBuilder struct {
	host       string
	rtspPort   int
	hlsPort    int
	webrtcPort int
	scheme     string
}

func NewURLBuilder(cfg config.MediaMTXConfig) *URLBuilder {
	scheme := "http"
	if cfg.UseHTTPS {
		scheme = "https"
	}
	return &URLBuilder{
		host:       cfg.Host,
		rtspPort:   cfg.RTSPPort,
		hlsPort:    cfg.HLSPort,
		webrtcPort: cfg.WebRTCPort,
		scheme:     scheme,
	}
}

func (b *URLBuilder) For(cameraID string) StreamURLs {
	return StreamURLs{
		RTSP:   fmt.Sprintf("rtsp://%s:%d/%s", b.host, b.rtspPort, cameraID),
		HLS:    fmt.Sprintf("%s://%s:%d/%s/index.m3u8", b.scheme, b.host, b.hlsPort, cameraID),
		WebRTC: fmt.Sprintf("%s://%s:%d/%s/whep", b.scheme, b.host, b.webrtcPort, cameraID),
	}
}
