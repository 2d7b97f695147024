// callpeer is a terminal call endpoint: it registers with the relay under
// --self, calls (or waits for) --peer, and maps keystrokes to call intents.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/pion/rtp"

	"callnet/internal/core/domain"
	"callnet/internal/session"
	"callnet/internal/view"
	"callnet/pkg/config"
	"callnet/pkg/logger"
)

// discardSink counts packets and throws them away; a terminal has nowhere to
// render media.
type discardSink struct{ kind string }

func (d *discardSink) WriteRTP(*rtp.Packet) error { return nil }
func (d *discardSink) Close() error               { return nil }

func main() {
	configPath := flag.String("config", "configs/config.yaml", "path to configuration file")
	self := flag.String("self", "", "identifier to register under")
	peer := flag.String("peer", "", "identifier of the other participant")
	mode := flag.String("mode", "audio", "audio or video")
	caller := flag.Bool("call", false, "initiate the call instead of waiting for one")
	flag.Parse()

	if *self == "" || *peer == "" {
		fmt.Fprintln(os.Stderr, "--self and --peer are required")
		os.Exit(1)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	log := logger.New(cfg.Logging.Level).Sugar()
	defer log.Sync()

	role := session.RoleCallee
	if *caller {
		role = session.RoleCaller
	}

	opts := view.Options{
		Self:           domain.ParticipantID(*self),
		Remote:         domain.ParticipantID(*peer),
		Role:           role,
		SignalingURL:   cfg.Signaling.URL,
		ReconnectDelay: cfg.Signaling.ReconnectDelay,
		DialAttempts:   cfg.Signaling.DialAttempts,
		STUNServers:    cfg.WebRTC.STUNServers,
		AudioSink:      &discardSink{kind: "audio"},
		Logger:         log,
		OnState: func(snap domain.SessionSnapshot) {
			line := fmt.Sprintf("[%s] muted=%v video_off=%v", snap.Phase, snap.Muted, snap.VideoOff)
			if snap.Err != "" {
				line += " error=" + snap.Err
			}
			fmt.Println(line)
		},
	}

	ctx := context.Background()

	var (
		audioCall *view.AudioCall
		videoCall *view.VideoCall
	)
	switch *mode {
	case "video":
		opts.VideoSink = &discardSink{kind: "video"}
		videoCall, err = view.StartVideoCall(ctx, opts)
	default:
		audioCall, err = view.StartAudioCall(ctx, opts)
	}
	if err != nil {
		log.Fatalw("call failed to start", "error", err)
	}

	fmt.Println("m: toggle mute | v: toggle video | q: hang up")
	input := make(chan string)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			input <- strings.TrimSpace(scanner.Text())
		}
		close(input)
	}()

	done := func() <-chan struct{} {
		if videoCall != nil {
			return videoCall.Done()
		}
		return audioCall.Done()
	}()

	for {
		select {
		case <-done:
			fmt.Println("call ended")
			return
		case line, ok := <-input:
			if !ok {
				line = "q"
			}
			switch line {
			case "m":
				if videoCall != nil {
					videoCall.ToggleMute()
				} else {
					audioCall.ToggleMute()
				}
			case "v":
				if videoCall != nil {
					videoCall.ToggleVideo(ctx)
				} else {
					fmt.Println("no video on an audio call")
				}
			case "q":
				if videoCall != nil {
					videoCall.HangUp()
				} else {
					audioCall.HangUp()
				}
			}
		}
	}
}
