// Package cli parses the command line of the tonebox command.
package cli

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/Lundis/go-tonebox/audio"
	"github.com/Lundis/go-tonebox/internal/logger"
	"github.com/Lundis/go-tonebox/melody"
	"github.com/Lundis/go-tonebox/synth"
	"github.com/Lundis/go-tonebox/tempo"
)

// ErrHelp is returned when -h or -help was given.
var ErrHelp = flag.ErrHelp

type Config struct {
	Model    synth.Model
	Driver   audio.Driver
	LogLevel string
	Volume   float32
	// Melodies is a folder holding melody.RegistryFile.
	Melodies string
	Melody   melody.Id
	// HTTP is the listen address of the control API; empty disables it.
	HTTP  string
	Tempo tempo.Tempo
	// Notes are the positional arguments: frequencies in Hz or note names.
	Notes []melody.Note
}

// ParseArgs parses args (without the program name). TONEBOX_LOG_LEVEL,
// TONEBOX_DRIVER and TONEBOX_HTTP provide defaults; flags win.
func ParseArgs(args []string) (*Config, error) {
	return parse(args, os.Getenv, os.Stderr)
}

func getEnv(getenv func(string) string, key, fallback string) string {
	if v := getenv(key); v != "" {
		return v
	}
	return fallback
}

func parse(args []string, getenv func(string) string, output io.Writer) (*Config, error) {
	fs := flag.NewFlagSet("tonebox", flag.ContinueOnError)
	fs.SetOutput(output)
	fs.Usage = func() {
		fmt.Fprintf(output, "usage: tonebox [flags] [frequency|note ...]\n\n")
		fs.PrintDefaults()
	}

	model := fs.String("model", synth.ModelPiano.String(), "waveform model: sine, piano or organ")
	driver := fs.String("driver", getEnv(getenv, "TONEBOX_DRIVER", audio.DriverOto.String()), "audio output: oto or null")
	logLevel := fs.String("log-level", getEnv(getenv, "TONEBOX_LOG_LEVEL", "info"), "log level: debug, info, warn or error")
	volume := fs.Float64("volume", 1, "master volume between 0 and 1")
	melodies := fs.String("melodies", "", "folder containing "+melody.RegistryFile)
	melodyID := fs.String("melody", "", "id of the melody to play")
	httpAddr := fs.String("http", getEnv(getenv, "TONEBOX_HTTP", ""), "listen address of the control API, e.g. :8080")
	bpm := fs.Float64("bpm", 0, "tempo for positional notes; 0 plays each note for its natural decay")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	cfg := &Config{
		LogLevel: *logLevel,
		Melodies: *melodies,
		Melody:   melody.Id(*melodyID),
		HTTP:     *httpAddr,
		Tempo:    tempo.Tempo{BPM: *bpm},
	}
	var err error
	if cfg.Model, err = synth.ParseModel(*model); err != nil {
		return nil, err
	}
	if cfg.Driver, err = audio.ParseDriver(*driver); err != nil {
		return nil, err
	}
	if _, err := logger.ParseLevel(cfg.LogLevel); err != nil {
		return nil, err
	}
	if *volume < 0 || *volume > 1 {
		return nil, fmt.Errorf("volume must be between 0 and 1, got %v", *volume)
	}
	cfg.Volume = float32(*volume)
	if *bpm < 0 {
		return nil, fmt.Errorf("bpm must not be negative, got %v", *bpm)
	}
	if cfg.Melody != "" && cfg.Melodies == "" {
		return nil, errors.New("-melody needs -melodies")
	}

	for _, arg := range fs.Args() {
		n, err := parseNote(arg)
		if err != nil {
			return nil, err
		}
		cfg.Notes = append(cfg.Notes, n)
	}
	if len(cfg.Notes) == 0 && cfg.Melody == "" && cfg.HTTP == "" {
		return nil, errors.New("nothing to do: give notes, -melody or -http")
	}
	return cfg, nil
}

func parseNote(arg string) (melody.Note, error) {
	if f, err := strconv.ParseFloat(arg, 64); err == nil {
		if !(f > 0) {
			return melody.Note{}, fmt.Errorf("%w: %v", synth.ErrInvalidFrequency, f)
		}
		return melody.Note{Name: arg, Frequency: f}, nil
	}
	return melody.ParseNote(arg)
}
