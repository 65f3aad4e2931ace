// Command voiceprobe runs a live voice session against the real upstream
// using local audio hardware (ffmpeg for capture, ffplay for playback).
// Useful for checking end-to-end latency and audio quality without a
// browser in the loop; assistant audio can be dumped to a WAV file.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/keitaro-dev/aibou/internal/audiocodec"
	"github.com/keitaro-dev/aibou/internal/audiograph"
	"github.com/keitaro-dev/aibou/internal/config"
	"github.com/keitaro-dev/aibou/internal/live"
	"github.com/keitaro-dev/aibou/internal/livesession"
	"github.com/keitaro-dev/aibou/internal/persona"
)

type options struct {
	personaID string
	userName  string
	gender    string
	voiceID   string
	duration  time.Duration
	wavPath   string
}

func main() {
	opts := parseFlags()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	if cfg.UpstreamAPIKey == "" {
		log.Fatalf("LIVE_API_KEY is required")
	}

	profile, ok := persona.Lookup(opts.personaID)
	if !ok {
		log.Fatalf("unknown persona %q", opts.personaID)
	}
	if opts.voiceID != "" {
		profile.Voice = opts.voiceID
	}

	rec := &sampleLog{}

	dialer := live.NewWSDialer(cfg.UpstreamWSBaseURL, cfg.UpstreamAPIKey)
	newDevice := func() audiograph.Device {
		return &recordingDevice{Device: audiograph.NewExecDevice(), log: rec}
	}
	client := livesession.New(dialer, newDevice, livesession.Options{
		Model: cfg.Model,
		Graph: audiograph.Config{
			InputRate:    cfg.InputSampleRate,
			OutputRate:   cfg.OutputSampleRate,
			CaptureBlock: cfg.CaptureBlock,
			FFTSize:      cfg.FFTSize,
		},
		GateThreshold: cfg.GateThreshold,
		GateHold:      cfg.GateHold,
		BackoffBase:   cfg.ReconnectBase,
		BackoffCap:    cfg.ReconnectCap,
		MaxReconnects: cfg.ReconnectRetries,
	})
	defer client.Close()

	req := livesession.ConnectRequest{
		Config:  persona.SessionConfig{UserName: opts.userName, UserGender: opts.gender},
		Profile: profile,
		OnSaveMemory: func(content string) {
			log.Printf("memory: %s", content)
		},
	}
	if err := client.Connect(context.Background(), req); err != nil {
		log.Fatalf("connect failed: %v", err)
	}
	log.Printf("session starting: persona=%s voice=%s model=%s", profile.ID, profile.Voice, cfg.Model)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	deadline := time.NewTimer(opts.duration)
	defer deadline.Stop()

	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	last := livesession.State{}

loop:
	for {
		select {
		case <-sigCh:
			log.Printf("interrupted")
			break loop
		case <-deadline.C:
			log.Printf("duration elapsed")
			break loop
		case <-ticker.C:
			st := client.Snapshot()
			if st != last {
				printState(st)
				last = st
			}
			if st.Connection == livesession.StateIdle && st.Error != livesession.ErrNone {
				break loop
			}
		}
	}

	disconnectCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = client.Disconnect(disconnectCtx)

	stats := client.Stats()
	log.Printf("frames sent=%d dropped=%d interruptions=%d reconnects=%d",
		stats.FramesSent, stats.DroppedFrames, stats.Interruptions, stats.Reconnects)

	if opts.wavPath != "" {
		if err := rec.dump(opts.wavPath, cfg.OutputSampleRate); err != nil {
			log.Fatalf("write wav: %v", err)
		}
		log.Printf("assistant audio written to %s", opts.wavPath)
	}
}

func parseFlags() options {
	var opts options
	flag.StringVar(&opts.personaID, "persona", "hana", "persona profile id")
	flag.StringVar(&opts.userName, "name", "probe", "user name the persona addresses")
	flag.StringVar(&opts.gender, "gender", "", "user gender (male|female|empty)")
	flag.StringVar(&opts.voiceID, "voice", "", "override persona voice")
	flag.DurationVar(&opts.duration, "duration", time.Minute, "how long to keep the session open")
	flag.StringVar(&opts.wavPath, "wav", "", "dump assistant audio to this WAV file")
	flag.Parse()
	return opts
}

func printState(st livesession.State) {
	line := fmt.Sprintf("state: %s/%s", st.Connection, st.Mode)
	if st.Error != livesession.ErrNone {
		line += " error=" + string(st.Error)
	}
	if st.UserTranscript != "" {
		line += " you=" + st.UserTranscript
	}
	if st.AITranscript != "" {
		line += " ai=" + st.AITranscript
	}
	log.Print(line)
}

// sampleLog accumulates assistant audio across reconnect attempts so the
// whole session can be dumped to a WAV file afterwards.
type sampleLog struct {
	mu      sync.Mutex
	samples []float32
}

func (l *sampleLog) add(samples []float32) {
	l.mu.Lock()
	l.samples = append(l.samples, samples...)
	l.mu.Unlock()
}

func (l *sampleLog) dump(path string, sampleRate int) error {
	l.mu.Lock()
	samples := make([]float32, len(l.samples))
	copy(samples, l.samples)
	l.mu.Unlock()
	return audiocodec.WriteWAVFile(path, audiocodec.Encode(samples).Data, sampleRate)
}

// recordingDevice tees every played buffer into the shared log on its way to
// the speakers.
type recordingDevice struct {
	audiograph.Device
	log *sampleLog
}

func (d *recordingDevice) Play(samples []float32, sampleRate int) error {
	d.log.add(samples)
	return d.Device.Play(samples, sampleRate)
}
