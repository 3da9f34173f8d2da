package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	bolt "go.etcd.io/bbolt"
)

var inspectCmd = &cobra.Command{
	Use:   "inspect DATA-FILE",
	Short: "Dump bucket and key counts from a replicate bbolt store",
	Long: `inspect opens a replicate persistence file read-only and reports, per
bucket, how many keys it holds: "snapshots" (one entry per document with
a compacted snapshot), "updates" (one nested bucket per document, one
key per logged update), and "kv" (cursor and session-identity entries).`,
	Args: cobra.ExactArgs(1),
	RunE: runInspect,
}

func runInspect(cmd *cobra.Command, args []string) error {
	path := args[0]
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("inspect: %w", err)
	}

	db, err := bolt.Open(path, 0600, &bolt.Options{ReadOnly: true})
	if err != nil {
		return fmt.Errorf("inspect: open %s: %w", path, err)
	}
	defer db.Close()

	return db.View(func(tx *bolt.Tx) error {
		fmt.Printf("%s\n", path)
		return tx.ForEach(func(name []byte, b *bolt.Bucket) error {
			if string(name) == "updates" {
				docCount, updateCount := 0, 0
				b.ForEach(func(k, v []byte) error {
					if v != nil {
						return nil
					}
					docCount++
					doc := b.Bucket(k)
					n := bucketCount(doc)
					updateCount += n
					fmt.Printf("    %s: %d logged updates\n", k, n)
					return nil
				})
				fmt.Printf("  %s/ (%d documents, %d updates total)\n", name, docCount, updateCount)
				return nil
			}
			fmt.Printf("  %s: %d keys\n", name, bucketCount(b))
			return nil
		})
	})
}

func bucketCount(b *bolt.Bucket) int {
	n := 0
	b.ForEach(func(k, v []byte) error {
		n++
		return nil
	})
	return n
}
