package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net/url"
	"os"
	"os/signal"
	"path"
	"path/filepath"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"go2tv.app/screenbeam/castprotocol"
	"go2tv.app/screenbeam/devices"
	"go2tv.app/screenbeam/httphandlers"
	"go2tv.app/screenbeam/interactive"
	"go2tv.app/screenbeam/internal/config"
	"go2tv.app/screenbeam/session"
	"go2tv.app/screenbeam/utils"
	"golang.org/x/time/rate"
)

var (
	version    string
	build      string
	videoArg   = flag.String("v", "", "Path to the video file.")
	urlArg     = flag.String("u", "", "HTTP(S) URL of a media stream to relay.")
	listPtr    = flag.Bool("l", false, "List all available receivers.")
	targetPtr  = flag.String("t", "", "Cast to the receiver with this host address.")
	portPtr    = flag.Int("p", 0, "Receiver port. Used with -t to skip discovery.")
	windowPtr  = flag.Duration("w", 0, "Discovery window, e.g. 10s. (default from settings)")
	configPtr  = flag.String("c", "", "Path to the settings file.")
	ssdpPtr    = flag.Bool("ssdp", false, "Also look for media renderers over SSDP.")
	debugPtr   = flag.Bool("debug", false, "Write debug logs to stderr.")
	versionPtr = flag.Bool("version", false, "Print version.")
)

const stopTimeout = 5 * time.Second

func main() {
	flag.Parse()
	checkVerflag()

	conf, err := config.Load(*configPtr)
	check(errors.Wrap(err, "settings error"))

	if *ssdpPtr {
		conf.SSDP = true
	}
	if *windowPtr > 0 {
		conf.DiscoveryWindow = *windowPtr
	}

	var logOutput io.Writer
	if *debugPtr {
		logOutput = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly}
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	} else {
		zerolog.SetGlobalLevel(conf.Level())
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := devices.NewRegistry()

	exit, err := checkflags(ctx, conf, reg, logOutput)
	check(err)
	if exit {
		return
	}

	dev, ok := reg.Selected()
	if !ok {
		check(errors.Wrap(devices.ErrDeviceNotAvailable, "device selection error"))
	}

	req, err := mediaRequest(ctx, dev)
	check(errors.Wrap(err, "media error"))

	netInfo, err := utils.LocalNetwork()
	check(errors.Wrap(err, "network error"))

	whereToListen, err := utils.ListenAddress(netInfo.IP.String(), conf.MediaPort)
	check(err)

	s := httphandlers.NewServer(whereToListen)
	s.MediaPath = conf.MediaPath
	if logOutput != nil {
		s.Logger = zerolog.New(logOutput).With().Timestamp().Str("Component", "media").Logger()
	}

	serverStarted := make(chan error)
	go s.StartServer(serverStarted)
	// Wait for HTTP server to properly initialize
	check(<-serverStarted)
	defer s.StopServer()

	negotiator := castprotocol.NewNegotiator()
	negotiator.AttemptTimeout = conf.AttemptTimeout
	negotiator.GenericPaths = conf.GenericPaths
	negotiator.LogOutput = logOutput

	scr, err := interactive.InitTcellNewScreen()
	check(err)

	streamer := session.NewStreamer(negotiator, s, scr)
	streamer.LogOutput = logOutput

	check(scr.Init(req.Title))

	if err := streamer.Start(ctx, req); err != nil {
		scr.Fini()
		check(err)
	}

	go func() {
		<-ctx.Done()
		scr.Fini()
	}()

	scr.InterInit(ctx, streamer)

	stopCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	streamer.Stop(stopCtx)
	cancel()
}

// mediaRequest describes the -v file or the -u stream. Relayed streams
// have no known size, so receivers can't seek in them.
func mediaRequest(ctx context.Context, dev devices.CastDevice) (session.StreamRequest, error) {
	if *urlArg != "" {
		mediaType, err := utils.GetMimeDetailsFromURL(ctx, *urlArg)
		if err != nil {
			return session.StreamRequest{}, err
		}

		title := *urlArg
		if u, err := url.Parse(*urlArg); err == nil && path.Base(u.Path) != "/" && path.Base(u.Path) != "." {
			title = path.Base(u.Path)
		}

		return session.StreamRequest{
			Device:   dev,
			MediaURI: *urlArg,
			MimeType: mediaType,
			Title:    title,
		}, nil
	}

	absVideoFile, err := filepath.Abs(*videoArg)
	if err != nil {
		return session.StreamRequest{}, err
	}

	mediaType, size, err := utils.GetMimeDetailsFromFile(absVideoFile)
	if err != nil {
		return session.StreamRequest{}, err
	}

	return session.StreamRequest{
		Device:   dev,
		MediaURI: absVideoFile,
		MimeType: mediaType,
		Size:     size,
		Title:    filepath.Base(absVideoFile),
	}, nil
}

func check(err error) {
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "Encountered error(s): %s\n", err)
		os.Exit(1)
	}
}

func newDiscovery(conf *config.Config, reg *devices.Registry, logOutput io.Writer) *devices.Discovery {
	d := devices.NewDiscovery(reg)
	d.ServiceTypes = conf.ServiceTypes
	d.Window = conf.DiscoveryWindow
	d.LogOutput = logOutput

	d.Listener.ResolveTimeout = conf.ResolveTimeout

	d.Broadcast.Ports = conf.BroadcastPorts
	d.Broadcast.ReceiveTimeout = conf.BroadcastTimeout
	d.Broadcast.SSDP = conf.SSDP

	d.Scanner.Ports = conf.ScanPorts
	d.Scanner.Timeout = conf.ScanTimeout
	d.Scanner.HostLimit = conf.ScanHostLimit
	d.Scanner.Workers = conf.ScanWorkers
	d.Scanner.Rate = rate.Limit(conf.ScanRate)

	return d
}
