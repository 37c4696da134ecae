// Package streamconfig loads operator-facing settings for a streamserver
// pool or streamclient connect call: a static TOML file for the settings
// that rarely change between runs, and an optional .env-style overlay for
// per-deployment overrides, mirroring the split the teacher's go.mod
// already declared (BurntSushi/toml + hashicorp/go-envparse) without ever
// wiring either in.
package streamconfig

import (
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/BurntSushi/toml"
	"github.com/hashicorp/go-envparse"
)

// File is the static, declarative configuration read from a TOML file
// (§4.F retry/congestion tuning, §4.B packet sizing).
type File struct {
	Slippage          float64 `toml:"slippage"`
	MaxRetries        int     `toml:"max_retries"`
	TargetPacketSize  int     `toml:"target_packet_size"`
	PadPackets        bool    `toml:"pad_packets"`
	ServerAddress     string  `toml:"server_address"`
	ConnectionTagSalt string  `toml:"connection_tag_salt"`
}

// Default returns File populated with this implementation's built-in
// defaults (§4.F's defaultRetryPolicy / targetPacketSize constants), for
// callers that have no config file at all.
func Default() File {
	return File{
		Slippage:         0.01,
		MaxRetries:       10,
		TargetPacketSize: 32 * 1024,
		PadPackets:       true,
	}
}

// LoadFile decodes a TOML config file at path, starting from Default() so
// any field the file omits keeps its built-in value.
func LoadFile(path string) (File, error) {
	f := Default()
	if _, err := toml.DecodeFile(path, &f); err != nil {
		return File{}, fmt.Errorf("streamconfig: decoding %s: %w", path, err)
	}
	return f, nil
}

// envOverrides names the .env keys LoadEnv recognizes, each mapped onto the
// matching File field.
const (
	envSlippage         = "STREAM_SLIPPAGE"
	envMaxRetries       = "STREAM_MAX_RETRIES"
	envTargetPacketSize = "STREAM_TARGET_PACKET_SIZE"
	envPadPackets       = "STREAM_PAD_PACKETS"
	envServerAddress    = "STREAM_SERVER_ADDRESS"
)

// LoadEnv overlays .env-style KEY=VALUE pairs read from r onto base,
// returning a new File with only the keys present in r overridden. Used to
// layer per-deployment secrets/overrides on top of a checked-in TOML file
// without editing it. No other package in this module calls it.
func LoadEnv(r io.Reader, base File) (File, error) {
	vars, err := envparse.Parse(r)
	if err != nil {
		return File{}, fmt.Errorf("streamconfig: parsing env overlay: %w", err)
	}

	out := base
	if v, ok := vars[envSlippage]; ok {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return File{}, fmt.Errorf("streamconfig: %s: %w", envSlippage, err)
		}
		out.Slippage = f
	}
	if v, ok := vars[envMaxRetries]; ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return File{}, fmt.Errorf("streamconfig: %s: %w", envMaxRetries, err)
		}
		out.MaxRetries = n
	}
	if v, ok := vars[envTargetPacketSize]; ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return File{}, fmt.Errorf("streamconfig: %s: %w", envTargetPacketSize, err)
		}
		out.TargetPacketSize = n
	}
	if v, ok := vars[envPadPackets]; ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return File{}, fmt.Errorf("streamconfig: %s: %w", envPadPackets, err)
		}
		out.PadPackets = b
	}
	if v, ok := vars[envServerAddress]; ok {
		out.ServerAddress = v
	}
	return out, nil
}

// LoadEnvFile is LoadEnv reading its overlay from the file at path; a
// missing file is not an error, since the overlay is always optional.
func LoadEnvFile(path string, base File) (File, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return base, nil
		}
		return File{}, err
	}
	defer f.Close()
	return LoadEnv(f, base)
}
