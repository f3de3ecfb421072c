// Command storehashctl is a small inspection tool for a store-the-hash
// index: open it, look up a key, walk its buckets, and report storage
// size. It is explicitly a collaborator outside the core engine's scope
// and is never imported by the engine packages themselves.
//
// Grounded on the teacher's cmd-x-index* family of CLI entry points,
// using the same github.com/urfave/cli/v2 wrapper.
package main

import (
	"encoding/hex"
	"fmt"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/urfave/cli/v2"

	"github.com/vmx/storethehash/filecache"
	"github.com/vmx/storethehash/garbage"
	"github.com/vmx/storethehash/index"
	"github.com/vmx/storethehash/primary/fileprimary"
	"github.com/vmx/storethehash/recordlist"
)

// readCache is shared across a single CLI invocation's get/iterate calls so
// repeated lookups against the same data file reuse one open descriptor.
var readCache = filecache.New(4)

func main() {
	app := &cli.App{
		Name:  "storehashctl",
		Usage: "inspect a store-the-hash index",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "index", Required: true, Usage: "path to the index file"},
			&cli.StringFlag{Name: "data", Required: true, Usage: "path to the primary data file"},
			&cli.UintFlag{Name: "bucket-bits", Value: 24, Usage: "bucket_bits the index was created with"},
			&cli.StringFlag{Name: "garbage", Usage: "optional path to a garbage ledger to report alongside stat"},
		},
		Commands: []*cli.Command{
			statCommand,
			getCommand,
			iterateCommand,
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "storehashctl:", err)
		os.Exit(1)
	}
}

func openStore(c *cli.Context) (*index.Index, *fileprimary.FilePrimary, error) {
	dataPath := c.String("data")
	prim, err := fileprimary.Open(dataPath, fileprimary.WithFileCache(readCache))
	if err != nil {
		return nil, nil, fmt.Errorf("opening primary: %w", err)
	}
	bits := uint8(c.Uint("bucket-bits"))
	idx, report, err := index.Open(c.String("index"), bits, prim)
	if err != nil {
		prim.Close()
		return nil, nil, fmt.Errorf("opening index: %w", err)
	}
	if report.BytesDiscarded > 0 {
		fmt.Fprintf(os.Stderr, "recovered index: discarded %s from a torn tail, last good offset %d\n",
			humanize.Bytes(uint64(report.BytesDiscarded)), report.LastGoodOffset)
	}
	return idx, prim, nil
}

var statCommand = &cli.Command{
	Name:  "stat",
	Usage: "report index and primary storage size",
	Action: func(c *cli.Context) error {
		idx, prim, err := openStore(c)
		if err != nil {
			return err
		}
		defer idx.Close()
		defer prim.Close()

		idxSize, err := idx.StorageSize()
		if err != nil {
			return err
		}
		primSize, err := prim.StorageSize()
		if err != nil {
			return err
		}
		fmt.Printf("index:   %s\n", humanize.Bytes(uint64(idxSize)))
		fmt.Printf("primary: %s\n", humanize.Bytes(uint64(primSize)))

		if path := c.String("garbage"); path != "" {
			ledger, err := garbage.Open(path)
			if err != nil {
				return fmt.Errorf("opening garbage ledger: %w", err)
			}
			defer ledger.Close()
			reclaimable := ledger.Reclaimable()
			fmt.Printf("reclaimable: %s (%.1f%% of index)\n", humanize.Bytes(uint64(reclaimable)), 100*float64(reclaimable)/float64(idxSize))
		}
		return nil
	},
}

var getCommand = &cli.Command{
	Name:      "get",
	Usage:     "look up a key (as hex) and print its value",
	ArgsUsage: "<hex-key>",
	Action: func(c *cli.Context) error {
		if c.Args().Len() != 1 {
			return fmt.Errorf("expected exactly one hex-encoded key argument")
		}
		key, err := hex.DecodeString(c.Args().First())
		if err != nil {
			return fmt.Errorf("decoding key: %w", err)
		}
		idx, prim, err := openStore(c)
		if err != nil {
			return err
		}
		defer idx.Close()
		defer prim.Close()

		value, found, err := idx.Get(key)
		if err != nil {
			return err
		}
		if !found {
			fmt.Println("not found")
			return nil
		}
		fmt.Println(hex.EncodeToString(value))
		return nil
	},
}

var iterateCommand = &cli.Command{
	Name:  "iterate",
	Usage: "walk every record list in the index file",
	Action: func(c *cli.Context) error {
		idx, prim, err := openStore(c)
		if err != nil {
			return err
		}
		defer idx.Close()
		defer prim.Close()

		it := idx.Iterate()
		for {
			entry, err := it.Next()
			if err != nil {
				break
			}
			fmt.Printf("bucket=%d offset=%d entries=%d\n", entry.Bucket, entry.Offset, countEntries(entry.Record))
		}
		return nil
	},
}

func countEntries(rl recordlist.RecordList) int {
	n := 0
	it := rl.Iter()
	for !it.Done() {
		if _, err := it.Next(); err != nil {
			break
		}
		n++
	}
	return n
}
