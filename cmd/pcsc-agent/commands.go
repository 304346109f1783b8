package main

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/SimplyPrint/pcsc-agent/internal/config"
	"github.com/SimplyPrint/pcsc-agent/internal/core"
	"github.com/SimplyPrint/pcsc-agent/internal/dump"
)

var errUnknownCommand = errors.New("unknown command")

// cli runs the one-shot card commands against a single reader.
type cli struct {
	cfg     *config.Config
	factory core.ContextFactory
	out     io.Writer
}

func newCLI(cfg *config.Config, factory core.ContextFactory, out io.Writer) *cli {
	return &cli{cfg: cfg, factory: factory, out: out}
}

func (c *cli) run(ctx context.Context, args []string) error {
	name, args := args[0], args[1:]
	switch name {
	case "readers":
		return c.readers()
	case "uid":
		return c.uid(ctx, args)
	case "read":
		return c.read(ctx, args)
	case "write":
		return c.write(ctx, args)
	case "trailer":
		return c.trailer(ctx, args)
	case "dump":
		return c.dump(ctx, args)
	case "monitor":
		return c.monitor(ctx, args)
	}
	return errUnknownCommand
}

// cardFlags are the flags shared by every command that talks to a card.
type cardFlags struct {
	reader  string
	wait    int
	key     string
	keyType string
}

func (c *cli) flagSet(name string, withKey bool) (*flag.FlagSet, *cardFlags) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	cf := &cardFlags{}
	fs.StringVar(&cf.reader, "reader", readerFilter(c.cfg), "Reader name filter")
	fs.IntVar(&cf.wait, "wait", 6, "Wait up to N ticks of 10s for a card")
	if withKey {
		fs.StringVar(&cf.key, "key", "", "MIFARE key as 12 hex digits (default: session key)")
		fs.StringVar(&cf.keyType, "key-type", "A", "Key slot, A or B")
	}
	return fs, cf
}

func (cf *cardFlags) parseKey() (*core.Key, error) {
	if cf.key == "" {
		return nil, nil
	}
	slot := core.KeyA
	switch strings.ToUpper(cf.keyType) {
	case "A":
	case "B":
		slot = core.KeyB
	default:
		return nil, fmt.Errorf("key type must be A or B, got %q", cf.keyType)
	}
	return core.ParseKey(cf.key, slot)
}

// open opens the selected reader and waits for a card.
func (c *cli) open(ctx context.Context, cf *cardFlags) (*core.Session, error) {
	s, err := core.Open(c.factory, cf.reader, sessionOptions(c.cfg)...)
	if err != nil {
		return nil, err
	}
	if err := s.WaitForCard(ctx, cf.wait); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

func (c *cli) readers() error {
	readers, err := core.List(c.factory)
	if err != nil {
		return err
	}
	for i, name := range readers {
		fmt.Fprintf(c.out, "%d: %s\n", i, name)
	}
	return nil
}

func (c *cli) uid(ctx context.Context, args []string) error {
	fs, cf := c.flagSet("uid", false)
	if err := fs.Parse(args); err != nil {
		return err
	}
	s, err := c.open(ctx, cf)
	if err != nil {
		return err
	}
	defer s.Close()

	cardType, err := s.CheckATR()
	if err != nil {
		return err
	}
	uid, err := s.ReadUID()
	if err != nil {
		return err
	}
	fmt.Fprintf(c.out, "%s %X\n", cardType, uid)
	return nil
}

func (c *cli) read(ctx context.Context, args []string) error {
	fs, cf := c.flagSet("read", true)
	sector := fs.Int("sector", 0, "Sector number")
	block := fs.Int("block", 0, "First block within the sector")
	length := fs.Int("length", 0, "Bytes to read (default: one block)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	key, err := cf.parseKey()
	if err != nil {
		return err
	}

	s, err := c.open(ctx, cf)
	if err != nil {
		return err
	}
	defer s.Close()

	cardType, err := s.CheckATR()
	if err != nil {
		return err
	}
	n := *length
	if n == 0 {
		n = 16
		if cardType == core.CardMifareUltralight {
			n = 4
		}
	}

	data, err := s.ReadBlock(*sector, *block, n+2, key)
	if err != nil {
		return err
	}
	fmt.Fprint(c.out, hex.Dump(data))
	return nil
}

func (c *cli) write(ctx context.Context, args []string) error {
	fs, cf := c.flagSet("write", true)
	sector := fs.Int("sector", 0, "Sector number")
	block := fs.Int("block", 0, "First block within the sector")
	data := fs.String("data", "", "Data to write as hex")
	if err := fs.Parse(args); err != nil {
		return err
	}
	payload, err := hex.DecodeString(strings.ReplaceAll(*data, " ", ""))
	if err != nil || len(payload) == 0 {
		return fmt.Errorf("-data must be non-empty hex")
	}
	key, err := cf.parseKey()
	if err != nil {
		return err
	}

	s, err := c.open(ctx, cf)
	if err != nil {
		return err
	}
	defer s.Close()

	if _, err := s.CheckATR(); err != nil {
		return err
	}
	if err := s.WriteBlock(*sector, *block, payload, key); err != nil {
		return err
	}
	fmt.Fprintf(c.out, "wrote %d bytes to sector %d block %d\n", len(payload), *sector, *block)
	return nil
}

func (c *cli) trailer(ctx context.Context, args []string) error {
	fs, cf := c.flagSet("trailer", true)
	sector := fs.Int("sector", 0, "Sector number")
	block := fs.Int("block", 3, "Trailer block within the sector")
	keyA := fs.String("key-a", "", "New key A (required)")
	keyB := fs.String("key-b", "", "New key B (required)")
	access := fs.String("access", hex.EncodeToString(core.DefaultAccessBits), "Access bits and general purpose byte as 8 hex digits")
	confirm := fs.Bool("confirm", false, "Confirm the write; wrong keys lock the sector for good")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if !*confirm {
		return fmt.Errorf("refusing to write a sector trailer without -confirm")
	}
	key, err := cf.parseKey()
	if err != nil {
		return err
	}

	t := &core.Trailer{}
	if *keyA != "" {
		if t.KeyA, err = core.ParseKey(*keyA, core.KeyA); err != nil {
			return err
		}
	}
	if *keyB != "" {
		if t.KeyB, err = core.ParseKey(*keyB, core.KeyB); err != nil {
			return err
		}
	}
	acls, err := hex.DecodeString(*access)
	if err != nil || len(acls) != core.AccessBitsSize {
		return fmt.Errorf("-access must be %d bytes of hex", core.AccessBitsSize)
	}
	t.AccessBits = acls

	s, err := c.open(ctx, cf)
	if err != nil {
		return err
	}
	defer s.Close()

	if _, err := s.CheckATR(); err != nil {
		return err
	}
	if err := s.WriteTrailer(*sector, *block, key, t); err != nil {
		return err
	}
	fmt.Fprintf(c.out, "trailer of sector %d written\n", *sector)
	return nil
}

func (c *cli) dump(ctx context.Context, args []string) error {
	fs, cf := c.flagSet("dump", true)
	output := fs.String("o", "", "Output file (default: <uid>.cbor)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	key, err := cf.parseKey()
	if err != nil {
		return err
	}

	s, err := c.open(ctx, cf)
	if err != nil {
		return err
	}
	defer s.Close()

	img, err := dump.Read(s, key)
	if err != nil {
		return err
	}

	path := *output
	if path == "" {
		path = fmt.Sprintf("%X.cbor", img.UID)
	}
	var data []byte
	if strings.EqualFold(filepath.Ext(path), ".json") {
		data, err = json.MarshalIndent(img, "", "  ")
	} else {
		data, err = img.Encode()
	}
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return err
	}

	failed := 0
	for _, sec := range img.Sectors {
		if sec.Error != "" {
			failed++
		}
	}
	fmt.Fprintf(c.out, "%s %X: %d sectors, %d unreadable, saved to %s\n",
		img.CardType, img.UID, len(img.Sectors), failed, path)
	return nil
}

// monitor prints presence changes until interrupted.
func (c *cli) monitor(ctx context.Context, args []string) error {
	fs, cf := c.flagSet("monitor", false)
	if err := fs.Parse(args); err != nil {
		return err
	}
	s, err := core.Open(c.factory, cf.reader, sessionOptions(c.cfg)...)
	if err != nil {
		return err
	}
	defer s.Close()

	mon, err := s.StartMonitor(ctx, nil)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.out, "watching %s\n", s.ReaderName())
	for ev := range mon.Events() {
		state := "removed"
		if ev.Present {
			state = "inserted"
		}
		fmt.Fprintf(c.out, "%s card %s\n", ev.Time.Format("15:04:05"), state)
	}

	final, err := mon.Wait()
	if final == core.MonitorCancelled {
		return nil
	}
	return err
}
