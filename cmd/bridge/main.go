package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/ethan/nest-hub-bridge/pkg/backend"
	"github.com/ethan/nest-hub-bridge/pkg/config"
	"github.com/ethan/nest-hub-bridge/pkg/framed"
	"github.com/ethan/nest-hub-bridge/pkg/framestore"
	"github.com/ethan/nest-hub-bridge/pkg/logger"
	"github.com/ethan/nest-hub-bridge/pkg/media"
	"github.com/ethan/nest-hub-bridge/pkg/rtc"
	"github.com/ethan/nest-hub-bridge/pkg/session"
)

func main() {
	fs := flag.NewFlagSet("bridge", flag.ExitOnError)
	logFlags := logger.RegisterFlags(fs)

	envPath := fs.String("env", ".env", "Path to the key=value config file")
	deviceID := fs.String("device", "", "Device id to bridge")
	host := fs.String("host", "", "Media endpoint host")
	token := fs.String("token", "", "Auth token for the endpoint")
	authKind := fs.String("auth", "session", "Credential shape: session, oauth2")
	flavor := fs.String("backend", "framed", "Backend flavor: framed, webrtc")
	videoOut := fs.String("video-out", "", "Write the live video stream to this file")
	audioOut := fs.String("audio-out", "", "Write the live audio stream to this file")
	fs.Parse(os.Args[1:])

	logCfg, err := logFlags.ToConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	log, err := logger.New(logCfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer log.Close()
	logger.SetDefault(log)

	opts, err := config.Load(*envPath)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			log.Warn("config file not loaded, using defaults", "path", *envPath, "error", err)
		}
		opts = config.Default()
	}

	if *deviceID == "" || *host == "" {
		log.Error("both -device and -host are required")
		os.Exit(1)
	}

	log.Info("starting camera bridge",
		"device_id", *deviceID,
		"host", *host,
		"backend", *flavor,
		"logging", logFlags.String())

	fillers, err := media.LoadFillers(opts.ResourcePath)
	if err != nil {
		log.Error("load filler frames", "error", err)
		os.Exit(1)
	}

	factory, err := backendFactory(*flavor, opts, log)
	if err != nil {
		log.Error("select backend", "error", err)
		os.Exit(1)
	}

	sess, err := session.New(session.Config{
		Options:    opts,
		Logger:     log,
		Fillers:    fillers,
		NewBackend: factory,
	})
	if err != nil {
		log.Error("create session", "error", err)
		os.Exit(1)
	}
	defer sess.Close()

	kind := backend.AuthSession
	if *authKind == "oauth2" {
		kind = backend.AuthOAuth2
	}
	sess.Update(backend.DeviceState{
		DeviceID:             *deviceID,
		Online:               true,
		StreamingAllowed:     true,
		AudioAllowed:         true,
		EndpointHost:         *host,
		AuthToken:            *token,
		AuthKind:             kind,
		LocalAccessPreferred: opts.LocalAccessPreferred,
	})

	if err := sess.StartBuffer(); err != nil {
		log.Error("start buffer", "error", err)
		os.Exit(1)
	}

	if *videoOut != "" && *audioOut != "" {
		videoFile, err := os.Create(*videoOut)
		if err != nil {
			log.Error("create video output", "error", err)
			os.Exit(1)
		}
		defer videoFile.Close()

		audioFile, err := os.Create(*audioOut)
		if err != nil {
			log.Error("create audio output", "error", err)
			os.Exit(1)
		}
		defer audioFile.Close()

		if err := sess.StartLive("file-sink", videoFile, audioFile, nil); err != nil {
			log.Error("start live", "error", err)
			os.Exit(1)
		}
		log.Info("live file sinks attached", "video", *videoOut, "audio", *audioOut)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	log.Info("bridge running, press Ctrl+C to stop")
	sig := <-sigChan
	log.Info("received shutdown signal", "signal", sig.String())
}

// backendFactory maps the flavor flag to a backend constructor
func backendFactory(flavor string, opts *config.Options, log *logger.Logger) (session.BackendFactory, error) {
	switch flavor {
	case "framed":
		return func(store *framestore.Store) (backend.Backend, error) {
			return framed.New(framed.Config{
				Options: opts,
				Store:   store,
				Logger:  log,
			})
		}, nil
	case "webrtc":
		return func(store *framestore.Store) (backend.Backend, error) {
			return rtc.New(rtc.Config{
				Options: opts,
				Store:   store,
				Logger:  log,
			})
		}, nil
	default:
		return nil, fmt.Errorf("unknown backend flavor %q", flavor)
	}
}
