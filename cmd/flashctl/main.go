// flashctl talks to the flash validation fixture over its serial link
// and generates the flash images the fixture validates against.
package main

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"lautenbacher.net/flashval/client"
	"lautenbacher.net/flashval/dispatcher"
	"lautenbacher.net/flashval/link"
	"lautenbacher.net/flashval/lfsr"
	"lautenbacher.net/flashval/validator"
)

type opener func() (io.ReadWriteCloser, error)

func parseSeed(s string) (uint32, error) {
	v, err := strconv.ParseUint(strings.TrimPrefix(strings.ToLower(s), "0x"), 16, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid hex seed %q", s)
	}
	return uint32(v), nil
}

func withClient(open opener, fn func(c *client.Client) error) error {
	port, err := open()
	if err != nil {
		return err
	}
	defer port.Close()
	return fn(client.New(port))
}

func newRootCmd(open opener, out io.Writer) *cobra.Command {
	var (
		port    string
		baud    uint
		timeout time.Duration
	)
	if open == nil {
		open = func() (io.ReadWriteCloser, error) {
			if port == "" {
				return nil, errors.New("no serial port given, use --port")
			}
			return link.OpenClient(port, baud, timeout)
		}
	}

	root := &cobra.Command{
		Use:           "flashctl",
		Short:         "Host tool for the SPI flash validation fixture",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&port, "port", "", "serial port of the fixture (e.g. /dev/ttyUSB1)")
	root.PersistentFlags().UintVar(&baud, "baud", 115200, "baud rate")
	root.PersistentFlags().DurationVar(&timeout, "timeout", 20*time.Second, "reply timeout, at most 25.5s")

	idCmd := &cobra.Command{
		Use:   "id",
		Short: "Read the JEDEC id of the flash",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			return withClient(open, func(c *client.Client) error {
				id, err := c.ReadID()
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "%06x\n", id)
				return client.CheckID(id)
			})
		},
	}

	validateCmd := &cobra.Command{
		Use:   "validate SEED",
		Short: "Validate the flash against the LFSR stream of SEED (hex)",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			seed, err := parseSeed(args[0])
			if err != nil {
				return err
			}
			return withClient(open, func(c *client.Client) error {
				status, res, err := c.Validate(seed)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "errors %d first %08x last %08x\n", res.ErrorCount, res.FirstObserved, res.LastObserved)
				if status != dispatcher.StatusPass {
					return fmt.Errorf("validation failed with %d mismatching words", res.ErrorCount)
				}
				fmt.Fprintln(out, "PASS")
				return nil
			})
		},
	}

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Read the flash status register",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			return withClient(open, func(c *client.Client) error {
				sr, err := c.ReadStatus()
				if err != nil {
					return err
				}
				fmt.Fprintln(out, sr)
				return nil
			})
		},
	}

	var dumpLen int
	dumpCmd := &cobra.Command{
		Use:   "dump ADDR",
		Short: "Hex dump flash contents starting at ADDR (hex)",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			addr, err := parseSeed(args[0])
			if err != nil {
				return fmt.Errorf("invalid address %q", args[0])
			}
			return withClient(open, func(c *client.Client) error {
				for done := 0; done < dumpLen; {
					n := min(dumpLen-done, 256)
					data, err := c.Dump(addr+uint32(done), n)
					if err != nil {
						return err
					}
					d := hex.Dumper(out)
					d.Write(data)
					d.Close()
					done += n
				}
				return nil
			})
		},
	}
	dumpCmd.Flags().IntVar(&dumpLen, "len", 256, "number of bytes")

	echoCmd := &cobra.Command{
		Use:   "echo TEXT",
		Short: "Send TEXT through the echo command and compare the reply",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return withClient(open, func(c *client.Client) error {
				got, err := c.Echo([]byte(args[0]))
				if err != nil {
					return err
				}
				if string(got) != args[0] {
					return fmt.Errorf("echo mismatch: sent %q, got %q", args[0], got)
				}
				fmt.Fprintln(out, "echo ok")
				return nil
			})
		},
	}

	var (
		genSeed  string
		genSize  int
		genOrder string
		genOut   string
	)
	genCmd := &cobra.Command{
		Use:   "genimage",
		Short: "Write the expected flash image for a seed",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			seed, err := parseSeed(genSeed)
			if err != nil {
				return err
			}
			order, err := validator.ParseByteOrder(genOrder)
			if err != nil {
				return err
			}
			if genSize <= 0 || genSize%4 != 0 {
				return fmt.Errorf("size %d must be a positive multiple of 4", genSize)
			}
			if genOut == "" || genOut == "-" {
				return lfsr.WriteImage(out, seed, genSize, order)
			}
			f, err := os.Create(genOut)
			if err != nil {
				return err
			}
			if err := lfsr.WriteImage(f, seed, genSize, order); err != nil {
				f.Close()
				return err
			}
			return f.Close()
		},
	}
	genCmd.Flags().StringVar(&genSeed, "seed", "", "seed (hex)")
	genCmd.Flags().IntVar(&genSize, "size", 128*1024, "image size in bytes")
	genCmd.Flags().StringVar(&genOrder, "order", "little", "word byte order: little|big")
	genCmd.Flags().StringVarP(&genOut, "out", "o", "", "output file, stdout if empty")
	genCmd.MarkFlagRequired("seed")

	root.AddCommand(idCmd, validateCmd, statusCmd, dumpCmd, echoCmd, genCmd)
	return root
}

func main() {
	if err := newRootCmd(nil, os.Stdout).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "flashctl:", err)
		os.Exit(1)
	}
}
