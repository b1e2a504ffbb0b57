package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/MrCodeEU/rollcall/pkg/capture"
	"github.com/MrCodeEU/rollcall/pkg/checkin"
	"github.com/MrCodeEU/rollcall/pkg/logging"
	"github.com/MrCodeEU/rollcall/pkg/roster"
)

// openRoster opens only the roster database, for commands that never touch
// the camera pipeline.
func openRoster() (*roster.Store, error) {
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("failed to create directories: %w", err)
	}
	return roster.New(cfg.Roster.Database, cfg.Roster.Branches)
}

func cmdStudent(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("subcommand required\nUsage: %s", commands["student"].Usage)
	}
	switch args[0] {
	case "add":
		return studentAdd(args[1:])
	case "list":
		return studentList(args[1:])
	case "remove":
		return studentRemove(args[1:])
	default:
		return fmt.Errorf("unknown student subcommand: %s", args[0])
	}
}

// parseStudent reads the student add flags.
func parseStudent(args []string) (*roster.Student, string, error) {
	fs := flag.NewFlagSet("student add", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	st := &roster.Student{}
	fs.StringVar(&st.RollNumber, "roll", "", "Roll number")
	fs.StringVar(&st.Name, "name", "", "Full name")
	fs.StringVar(&st.Branch, "branch", "", "Branch")
	fs.StringVar(&st.Gender, "gender", "", "Male, Female or Other")
	fs.StringVar(&st.Email, "email", "", "Email address")
	fs.StringVar(&st.Phone, "phone", "", "Phone number")
	images := fs.String("images", "", "Directory of training photos to copy")
	if err := fs.Parse(args); err != nil {
		return nil, "", err
	}
	if st.RollNumber == "" || st.Name == "" || st.Branch == "" {
		return nil, "", fmt.Errorf("-roll, -name and -branch are required")
	}
	return st, *images, nil
}

func studentAdd(args []string) error {
	st, images, err := parseStudent(args)
	if err != nil {
		return err
	}

	r, err := openRoster()
	if err != nil {
		return err
	}
	defer r.Close()

	if err := r.CreateStudent(context.Background(), st); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "Student %s (%s) added to %s.\n", st.Name, st.RollNumber, st.Branch)

	if images == "" {
		return nil
	}
	n, err := copyTrainingImages(images, cfg.StudentTrainingDir(st.RollNumber), st.RollNumber)
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "Copied %d training image(s). Run 'rollcall enroll %s' to train.\n", n, st.RollNumber)
	if n < cfg.Roster.ImagesPerStudent {
		logging.Warnf("Only %d of %d recommended training images for %s", n, cfg.Roster.ImagesPerStudent, st.RollNumber)
	}
	return nil
}

// copyTrainingImages re-encodes every image in src into dst as
// <roll>_<n>.jpg and returns the number written.
func copyTrainingImages(src, dst, roll string) (int, error) {
	frames, err := capture.FromDirectory(src).Frames()
	if err != nil {
		return 0, err
	}
	n := 0
	for _, f := range frames {
		if f.Err != nil {
			logging.Warnf("Skipping %s: %v", f.Name, f.Err)
			continue
		}
		n++
		if err := capture.Save(filepath.Join(dst, fmt.Sprintf("%s_%d.jpg", roll, n)), f.Image); err != nil {
			return n - 1, err
		}
	}
	return n, nil
}

func studentList(args []string) error {
	fs := flag.NewFlagSet("student list", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	branch := fs.String("branch", "", "Only list this branch")
	if err := fs.Parse(args); err != nil {
		return err
	}

	r, err := openRoster()
	if err != nil {
		return err
	}
	defer r.Close()

	students, err := r.ListStudents(context.Background(), *branch)
	if err != nil {
		return err
	}
	if len(students) == 0 {
		fmt.Fprintln(stdout, "No students registered.")
		return nil
	}

	fmt.Fprintf(stdout, "%-14s %-24s %-6s %-6s %s\n", "ROLL", "NAME", "BRANCH", "FACE", "QR")
	for _, s := range students {
		face, qr := "-", "-"
		if s.FaceTrained {
			face = "yes"
		}
		if s.QRCodePath != "" {
			qr = filepath.Base(s.QRCodePath)
		}
		fmt.Fprintf(stdout, "%-14s %-24s %-6s %-6s %s\n", s.RollNumber, s.Name, s.Branch, face, qr)
	}
	fmt.Fprintf(stdout, "\nTotal: %d student(s)\n", len(students))
	return nil
}

func studentRemove(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("roll number required\nUsage: rollcall student remove <roll-number>")
	}
	svc, err := openService()
	if err != nil {
		return err
	}
	defer svc.Close()

	return printOutcome(svc.RemoveStudent(context.Background(), args[0]))
}

// reportFlags parses the date and branch filters shared by report and stats.
func reportFlags(name string, args []string, withBranch bool) (date, branch string, err error) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.StringVar(&date, "date", time.Now().Format(roster.DateLayout), "Day to report (YYYY-MM-DD)")
	if withBranch {
		fs.StringVar(&branch, "branch", "", "Only report this branch")
	}
	if err := fs.Parse(args); err != nil {
		return "", "", err
	}
	if _, err := time.Parse(roster.DateLayout, date); err != nil {
		return "", "", fmt.Errorf("invalid date %q: %w", date, checkin.ErrInvalidRequest)
	}
	return date, branch, nil
}

func cmdReport(args []string) error {
	date, branch, err := reportFlags("report", args, true)
	if err != nil {
		return err
	}

	r, err := openRoster()
	if err != nil {
		return err
	}
	defer r.Close()

	records, err := r.Report(context.Background(), date, branch)
	if err != nil {
		return err
	}
	printReport(stdout, date, records)
	return nil
}

func printReport(w io.Writer, date string, records []roster.AttendanceRecord) {
	if len(records) == 0 {
		fmt.Fprintf(w, "No attendance recorded for %s.\n", date)
		return
	}
	fmt.Fprintf(w, "Attendance for %s\n\n", date)
	fmt.Fprintf(w, "%-10s %-14s %-24s %s\n", "TIME", "ROLL", "NAME", "BRANCH")
	for _, rec := range records {
		fmt.Fprintf(w, "%-10s %-14s %-24s %s\n", rec.Time, rec.RollNumber, rec.Name, rec.Branch)
	}
	fmt.Fprintf(w, "\nTotal: %d present\n", len(records))
}

// parseExport reads the export flags. An empty date exports every day.
func parseExport(args []string) (date, branch, out string, err error) {
	fs := flag.NewFlagSet("export", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.StringVar(&date, "date", "", "Only export this day (YYYY-MM-DD)")
	fs.StringVar(&branch, "branch", "", "Only export this branch")
	fs.StringVar(&out, "o", "", "Output file (default stdout)")
	if err := fs.Parse(args); err != nil {
		return "", "", "", err
	}
	if date != "" {
		if _, err := time.Parse(roster.DateLayout, date); err != nil {
			return "", "", "", fmt.Errorf("invalid date %q: %w", date, checkin.ErrInvalidRequest)
		}
	}
	return date, branch, out, nil
}

func cmdExport(args []string) error {
	date, branch, out, err := parseExport(args)
	if err != nil {
		return err
	}

	r, err := openRoster()
	if err != nil {
		return err
	}
	defer r.Close()

	if out == "" {
		_, err := r.ExportCSV(context.Background(), stdout, date, branch)
		return err
	}

	f, err := os.Create(out)
	if err != nil {
		return fmt.Errorf("failed to create export file: %w", err)
	}
	n, err := r.ExportCSV(context.Background(), f, date, branch)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return err
	}
	logging.Infof("Exported %d attendance record(s) to %s", n, out)
	return nil
}

func cmdStats(args []string) error {
	date, _, err := reportFlags("stats", args, false)
	if err != nil {
		return err
	}

	r, err := openRoster()
	if err != nil {
		return err
	}
	defer r.Close()

	stats, err := r.DashboardStats(context.Background(), date)
	if err != nil {
		return err
	}
	printStats(stdout, stats, r.Branches())
	return nil
}

func printStats(w io.Writer, stats *roster.Stats, branches []string) {
	fmt.Fprintf(w, "Attendance on %s: %d present\n\n", stats.Date, stats.TotalPresent)
	for _, b := range branches {
		fmt.Fprintf(w, "  %-6s %d\n", b, stats.BranchWise[b])
	}
}
