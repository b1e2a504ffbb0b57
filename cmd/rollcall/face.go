package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"image"
	"io"
	"os"
	"os/signal"
	"time"

	"github.com/MrCodeEU/rollcall/pkg/capture"
	"github.com/MrCodeEU/rollcall/pkg/checkin"
)

// openService builds the full check-in service from cfg.
func openService() (*checkin.Service, error) {
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("failed to create directories: %w", err)
	}
	svc, err := checkin.NewFromConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("%w\nRun 'rollcall download-models' if the cascades are missing", err)
	}
	return svc, nil
}

// printOutcome writes a human summary of out and turns a rejection into an
// error for the exit code.
func printOutcome(out checkin.Outcome) error {
	writeOutcome(stdout, out)
	if !out.Success {
		return out.Error
	}
	return nil
}

func writeOutcome(w io.Writer, out checkin.Outcome) {
	if !out.Success {
		fmt.Fprintf(w, "Rejected [%s]: %s\n", out.Code, out.Reason)
		return
	}
	fmt.Fprintln(w, out.Reason)
	if out.IdentityID != "" {
		fmt.Fprintf(w, "  Roll number: %s\n", out.IdentityID)
	}
	if out.DisplayName != "" {
		fmt.Fprintf(w, "  Name:        %s\n", out.DisplayName)
	}
	if out.Branch != "" {
		fmt.Fprintf(w, "  Branch:      %s\n", out.Branch)
	}
	if out.Confidence > 0 {
		fmt.Fprintf(w, "  Confidence:  %.0f%%\n", out.Confidence*100)
	}
	if out.Face != nil {
		fmt.Fprintf(w, "  Face:        %dx%d at (%d,%d)\n", out.Face.Width, out.Face.Height, out.Face.X, out.Face.Y)
	}
	if out.Blink != nil {
		fmt.Fprintf(w, "  Blinking:    %t (eyes %.1f/%.1f)\n", out.Blink.IsBlinking, out.Blink.LeftScore, out.Blink.RightScore)
	}
	if out.Attendance != nil {
		fmt.Fprintf(w, "  Marked at:   %s\n", out.Attendance.Timestamp)
	}
	if out.Path != "" {
		fmt.Fprintf(w, "  File:        %s\n", out.Path)
	}
}

// loadFrames decodes every path; any unreadable file is an error.
func loadFrames(paths []string) ([]image.Image, error) {
	frames := make([]image.Image, 0, len(paths))
	for _, p := range paths {
		img, err := capture.Load(p)
		if err != nil {
			return nil, err
		}
		frames = append(frames, img)
	}
	return frames, nil
}

// withService runs fn against a freshly opened service under a context
// cancelled by Ctrl-C.
func withService(fn func(ctx context.Context, svc *checkin.Service) checkin.Outcome) error {
	svc, err := openService()
	if err != nil {
		return err
	}
	defer svc.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	return printOutcome(fn(ctx, svc))
}

func cmdEnroll(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("roll number required\nUsage: %s", commands["enroll"].Usage)
	}
	roll := args[0]
	fmt.Fprintf(stdout, "Training face encodings for %s...\n", roll)
	return withService(func(ctx context.Context, svc *checkin.Service) checkin.Outcome {
		if len(args) > 1 {
			return svc.Enroll(ctx, roll, capture.FromPaths(args[1:]...))
		}
		return svc.EnrollFromDirectory(ctx, roll)
	})
}

func cmdRevoke(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("roll number required\nUsage: %s", commands["revoke"].Usage)
	}
	return withService(func(ctx context.Context, svc *checkin.Service) checkin.Outcome {
		return svc.Revoke(ctx, args[0])
	})
}

// singleFrame loads the one image a command operates on.
func singleFrame(name string, args []string) (image.Image, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("one image required\nUsage: %s", commands[name].Usage)
	}
	return capture.Load(args[0])
}

func cmdIdentify(args []string) error {
	frame, err := singleFrame("identify", args)
	if err != nil {
		return err
	}
	return withService(func(ctx context.Context, svc *checkin.Service) checkin.Outcome {
		return svc.Identify(ctx, frame)
	})
}

func cmdBlink(args []string) error {
	frame, err := singleFrame("blink", args)
	if err != nil {
		return err
	}
	return withService(func(ctx context.Context, svc *checkin.Service) checkin.Outcome {
		return svc.EstimateBlink(ctx, frame)
	})
}

func cmdIssueQR(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("roll number required\nUsage: %s", commands["issue-qr"].Usage)
	}
	return withService(func(ctx context.Context, svc *checkin.Service) checkin.Outcome {
		return svc.IssueToken(ctx, args[0])
	})
}

func cmdScanQR(args []string) error {
	frame, err := singleFrame("scan-qr", args)
	if err != nil {
		return err
	}
	return withService(func(ctx context.Context, svc *checkin.Service) checkin.Outcome {
		return svc.ScanToken(ctx, frame)
	})
}

// parseAttend reads the attend flags and returns the mode and frame paths.
func parseAttend(args []string) (checkin.Mode, []string, error) {
	fs := flag.NewFlagSet("attend", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	mode := fs.String("mode", string(checkin.ModeFace), "face or qr")
	if err := fs.Parse(args); err != nil {
		return "", nil, err
	}
	m := checkin.Mode(*mode)
	if m != checkin.ModeFace && m != checkin.ModeQR {
		return "", nil, fmt.Errorf("unknown mode %q: %w", *mode, checkin.ErrInvalidRequest)
	}
	if fs.NArg() == 0 {
		return "", nil, fmt.Errorf("at least one image required\nUsage: %s", commands["attend"].Usage)
	}
	return m, fs.Args(), nil
}

func cmdAttend(args []string) error {
	mode, paths, err := parseAttend(args)
	if err != nil {
		return err
	}
	frames, err := loadFrames(paths)
	if err != nil {
		return err
	}

	start := time.Now()
	err = withService(func(ctx context.Context, svc *checkin.Service) checkin.Outcome {
		return svc.CheckIn(ctx, mode, frames)
	})
	if errors.Is(err, context.Canceled) {
		return fmt.Errorf("interrupted after %v", time.Since(start).Round(time.Millisecond))
	}
	return err
}
