package main

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"runtime"
	"strconv"

	"github.com/pkg/errors"
	"go2tv.app/screenbeam/devices"
	"go2tv.app/screenbeam/internal/config"
	"go2tv.app/screenbeam/utils"
)

func listFlagFunction(reg *devices.Registry) error {
	list := reg.List()
	if len(list) == 0 {
		return errors.New("no receivers found")
	}
	fmt.Println()

	boldStart := ""
	boldEnd := ""

	if runtime.GOOS == "linux" {
		boldStart = "\033[1m"
		boldEnd = "\033[0m"
	}

	for i, dev := range list {
		fmt.Printf("%sDevice %v%s\n", boldStart, i+1, boldEnd)
		fmt.Printf("%s--------%s\n", boldStart, boldEnd)
		fmt.Printf("%sName:%s    %s\n", boldStart, boldEnd, dev.DisplayName())
		fmt.Printf("%sAddress:%s %s\n", boldStart, boldEnd, dev.ID())
		fmt.Printf("%sFamily:%s  %s\n", boldStart, boldEnd, dev.Family)
		fmt.Printf("%sSource:%s  %s\n", boldStart, boldEnd, dev.Kind)
		fmt.Println()
	}

	return nil
}

func checkflags(ctx context.Context, conf *config.Config, reg *devices.Registry, logOutput io.Writer) (exit bool, err error) {
	if err := checkVflag(); err != nil {
		return false, errors.Wrap(err, "checkflags error")
	}

	if err := checkPflag(); err != nil {
		return false, errors.Wrap(err, "checkflags error")
	}

	if err := checkTflag(ctx, conf, reg, logOutput); err != nil {
		return false, errors.Wrap(err, "checkflags error")
	}

	list, err := checkLflag(reg)
	if err != nil {
		return false, errors.Wrap(err, "checkflags error")
	}

	if list {
		return true, nil
	}

	return false, nil
}

func checkVflag() error {
	if *listPtr {
		return nil
	}

	switch {
	case *videoArg != "" && *urlArg != "":
		return errors.New("checkVflag error: -v and -u can't be used together")
	case *urlArg != "":
		if !utils.IsStreamURL(*urlArg) {
			return errors.Errorf("checkVflag error: %q is not an http(s) URL", *urlArg)
		}
	case *videoArg == "":
		return errors.New("checkVflag error: no video file defined")
	default:
		if _, err := os.Stat(*videoArg); os.IsNotExist(err) {
			return errors.Wrap(err, "checkVflag error")
		}
	}

	return nil
}

func checkPflag() error {
	if *portPtr == 0 {
		return nil
	}

	if *targetPtr == "" {
		return errors.New("checkPflag error: -p needs -t")
	}

	if *portPtr < 0 || *portPtr > 65535 {
		return errors.Errorf("checkPflag error: port %d out of range", *portPtr)
	}

	return nil
}

func checkTflag(ctx context.Context, conf *config.Config, reg *devices.Registry, logOutput io.Writer) error {
	if *targetPtr != "" && net.ParseIP(*targetPtr) == nil {
		return errors.Errorf("checkTflag error: %q is not an IP address", *targetPtr)
	}

	// A known port means there is nothing to discover.
	if *targetPtr != "" && *portPtr != 0 {
		addr := net.JoinHostPort(*targetPtr, strconv.Itoa(*portPtr))
		if !utils.HostPortIsAlive(addr, conf.AttemptTimeout) {
			return errors.Errorf("checkTflag error: %s is not reachable", addr)
		}

		reg.Upsert(devices.CastDevice{
			Host:   *targetPtr,
			Port:   *portPtr,
			Kind:   devices.KindNetworkScan,
			Family: devices.ClassifyPort(*portPtr),
		})
		reg.Select(*targetPtr)
		return nil
	}

	if err := discover(ctx, conf, reg, logOutput); err != nil {
		return errors.Wrap(err, "checkTflag discovery error")
	}

	if *listPtr {
		return nil
	}

	if *targetPtr != "" {
		if !reg.Select(*targetPtr) {
			return errors.Wrap(devices.ErrDeviceNotAvailable, "checkTflag error")
		}
		return nil
	}

	dev, err := devices.DevicePicker(reg.List(), 1)
	if err != nil {
		return errors.Wrap(err, "checkTflag device picker error")
	}
	reg.Select(dev.Host)

	return nil
}

// discover runs one campaign. Listing waits for the whole window,
// streaming cancels every prober as soon as the wanted receiver shows up.
func discover(ctx context.Context, conf *config.Config, reg *devices.Registry, logOutput io.Writer) error {
	d := newDiscovery(conf, reg, logOutput)

	updates, unsubscribe := reg.Subscribe()
	defer unsubscribe()

	campaignCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := d.Start(campaignCtx, conf.DiscoveryWindow); err != nil {
		return err
	}

	if !*listPtr {
		go func() {
			for list := range updates {
				if wanted(list, *targetPtr) {
					cancel()
					return
				}
			}
		}()
	}

	d.Wait()

	return ctx.Err()
}

func wanted(list []devices.CastDevice, host string) bool {
	if host == "" {
		return len(list) > 0
	}

	for _, dev := range list {
		if dev.Host == host {
			return true
		}
	}

	return false
}

func checkLflag(reg *devices.Registry) (bool, error) {
	if *listPtr {
		if err := listFlagFunction(reg); err != nil {
			return false, errors.Wrap(err, "checkLflag error")
		}
		return true, nil
	}

	return false, nil
}

func checkVerflag() {
	if *versionPtr {
		fmt.Printf("Screenbeam Version: %s, ", version)
		fmt.Printf("Build: %s\n", build)
		os.Exit(0)
	}
}
