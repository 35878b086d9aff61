// Package espeak provides a local TTS provider that shells out to espeak-ng
// (or classic espeak). It needs no network and serves as the last link of a
// fallback chain.
package espeak

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"github.com/MrWong99/voxloop/pkg/provider/tts"
)

const (
	defaultVoice = "en-us"
	baseWPM      = 175
	basePitch    = 50
)

// Option configures a [Provider].
type Option func(*Provider)

// WithBinary sets the executable path. By default espeak-ng is looked up on
// PATH, then espeak.
func WithBinary(path string) Option {
	return func(p *Provider) { p.binary = path }
}

// WithDefaultVoice sets the espeak voice used when a request carries none.
func WithDefaultVoice(voice string) Option {
	return func(p *Provider) { p.voice = voice }
}

// Provider implements tts.Provider by running espeak with --stdout.
type Provider struct {
	binary string
	voice  string
}

var _ tts.Provider = (*Provider)(nil)

// New resolves the espeak binary and returns a Provider.
func New(opts ...Option) (*Provider, error) {
	p := &Provider{voice: defaultVoice}
	for _, o := range opts {
		o(p)
	}
	if p.binary == "" {
		for _, name := range []string{"espeak-ng", "espeak"} {
			if path, err := exec.LookPath(name); err == nil {
				p.binary = path
				break
			}
		}
		if p.binary == "" {
			return nil, errors.New("espeak: neither espeak-ng nor espeak found in PATH")
		}
	}
	return p, nil
}

// Synthesize runs espeak and returns the WAV it writes to stdout.
func (p *Provider) Synthesize(ctx context.Context, req tts.Request) (tts.Audio, error) {
	if strings.TrimSpace(req.Text) == "" {
		return tts.Audio{}, tts.ErrEmptyText
	}

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, p.binary, p.args(req)...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return tts.Audio{}, fmt.Errorf("espeak: %w", ctx.Err())
		}
		return tts.Audio{}, fmt.Errorf("espeak: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	if stdout.Len() == 0 {
		return tts.Audio{}, errors.New("espeak: no audio produced")
	}
	return tts.Audio{Data: stdout.Bytes(), MimeType: tts.MimeWAV}, nil
}

// args maps the request onto espeak flags. Volume is left to the player.
func (p *Provider) args(req tts.Request) []string {
	voice := req.VoiceID
	if voice == "" {
		voice = p.voice
	}
	wpm := int(baseWPM * req.RateOr(1))
	pitch := min(max(int(basePitch*req.PitchOr(1)), 0), 99)
	return []string{
		"--stdout",
		"-v", voice,
		"-s", strconv.Itoa(wpm),
		"-p", strconv.Itoa(pitch),
		"--", req.Text,
	}
}
