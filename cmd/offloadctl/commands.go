// Copyright 2025 Alexander Alten (novatechflow), NovaTechflow (novatechflow.com).
// This project is supported and financed by Scalytics, Inc. (www.scalytics.io).
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"sync"
	"text/tabwriter"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/novatechflow/tieredlog/pkg/index"
	"github.com/novatechflow/tieredlog/pkg/metadata"
	"github.com/novatechflow/tieredlog/pkg/offload"
)

func newOffloadCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "offload [file]",
		Short: "Offload newline separated entries read from a file or stdin",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runOffload,
	}
	cmd.Flags().Int64("ledger", 1, "ledger id of the first entry")
	cmd.Flags().Int64("entry", 0, "entry id of the first entry")
	cmd.Flags().Int64("entries-per-ledger", 0, "start the next ledger after this many entries (0 keeps a single ledger)")
	return cmd
}

func runOffload(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	ledgerID, _ := cmd.Flags().GetInt64("ledger")
	entryID, _ := cmd.Flags().GetInt64("entry")
	perLedger, _ := cmd.Flags().GetInt64("entries-per-ledger")
	if ledgerID < 0 || entryID < 0 || perLedger < 0 {
		return errors.New("ledger, entry and entries-per-ledger must not be negative")
	}

	var in io.Reader = cmd.InOrStdin()
	if len(args) == 1 {
		f, err := os.Open(args[0])
		if err != nil {
			return err
		}
		defer f.Close()
		in = f
	}

	ctx := commandContext(cmd)
	rt, err := openRuntime(ctx, cfg, logger, nil)
	if err != nil {
		return err
	}
	defer rt.Close()

	var (
		mu       sync.Mutex
		finished []metadata.Segment
	)
	p, err := offload.NewPipeline(offload.PipelineConfig{
		Offloader: rt.offloader,
		Store:     rt.meta,
		Logger:    logger,
		OnSegment: func(seg metadata.Segment) {
			mu.Lock()
			finished = append(finished, seg)
			mu.Unlock()
		},
	})
	if err != nil {
		return err
	}

	pos := offload.Position{LedgerID: ledgerID, EntryID: entryID}
	var inLedger int64
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64<<10), int(cfg.Offload.MaxBlockBytes))
	for scanner.Scan() {
		if perLedger > 0 && inLedger == perLedger {
			pos = offload.Position{LedgerID: pos.LedgerID + 1}
			inLedger = 0
		}
		entry := offload.NewEntry(pos.LedgerID, pos.EntryID, append([]byte(nil), scanner.Bytes()...))
		err := p.Append(ctx, entry)
		entry.Release()
		if err != nil {
			_ = p.Close(ctx)
			return err
		}
		pos.EntryID++
		inLedger++
	}
	if err := scanner.Err(); err != nil {
		_ = p.Close(ctx)
		return fmt.Errorf("read entries: %w", err)
	}
	if err := p.Close(ctx); err != nil {
		return err
	}

	sort.Slice(finished, func(i, j int) bool {
		a, b := finished[i], finished[j]
		if a.BeginLedger != b.BeginLedger {
			return a.BeginLedger < b.BeginLedger
		}
		return a.BeginEntry < b.BeginEntry
	})
	out := cmd.OutOrStdout()
	for _, seg := range finished {
		fmt.Fprintf(out, "offloaded %s %d:%d..%d:%d %d bytes\n",
			seg.UID, seg.BeginLedger, seg.BeginEntry, seg.EndLedger, seg.EndEntry, seg.DataBytes)
	}
	return nil
}

func newReadCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "read",
		Short: "Print offloaded entries of one ledger",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			ledgerID, _ := cmd.Flags().GetInt64("ledger")
			first, _ := cmd.Flags().GetInt64("first")
			last, _ := cmd.Flags().GetInt64("last")

			ctx := commandContext(cmd)
			rt, err := openRuntime(ctx, cfg, logger, nil)
			if err != nil {
				return err
			}
			defer rt.Close()

			lc, err := rt.meta.LedgerContext(ctx, ledgerID)
			if err != nil {
				return err
			}
			handle, err := rt.offloader.ReadOffloaded(ctx, ledgerID, lc.Segments)
			if err != nil {
				return err
			}
			if last < 0 {
				last = handle.LastEntryID()
			}
			entries, err := handle.Read(ctx, first, last)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, e := range entries {
				fmt.Fprintf(out, "%d:%d\t%s\n", e.LedgerID(), e.EntryID(), e.Data())
			}
			return nil
		},
	}
	cmd.Flags().Int64("ledger", 0, "ledger id to read")
	cmd.Flags().Int64("first", 0, "first entry id")
	cmd.Flags().Int64("last", -1, "last entry id (-1 reads to the last offloaded entry)")
	_ = cmd.MarkFlagRequired("ledger")
	return cmd
}

func newSegmentsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "segments",
		Short: "List segment records",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			ctx := commandContext(cmd)
			meta, err := buildMetadataStore(cfg.Metadata)
			if err != nil {
				return err
			}
			defer meta.Close()
			segments, err := meta.ListSegments(ctx)
			if err != nil {
				return err
			}
			logger.Debug("listed segments", "count", len(segments))
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "UID\tBEGIN\tEND\tCOMPLETE\tBYTES\tDRIVER")
			for _, seg := range segments {
				fmt.Fprintf(tw, "%s\t%d:%d\t%d:%d\t%t\t%d\t%s\n",
					seg.UID, seg.BeginLedger, seg.BeginEntry, seg.EndLedger, seg.EndEntry,
					seg.Complete, seg.DataBytes, seg.DriverName)
			}
			return tw.Flush()
		},
	}
}

type indexView struct {
	UID              string       `yaml:"uid"`
	DataObjectLength int64        `yaml:"data_object_length"`
	Ledgers          []ledgerView `yaml:"ledgers"`
}

type ledgerView struct {
	LedgerID     int64             `yaml:"ledger_id"`
	FirstEntryID int64             `yaml:"first_entry_id"`
	LastEntryID  int64             `yaml:"last_entry_id"`
	Length       int64             `yaml:"length"`
	Closed       bool              `yaml:"closed"`
	Blocks       int               `yaml:"blocks"`
	Custom       map[string]string `yaml:"custom,omitempty"`
}

func newInspectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect <uid>",
		Short: "Print the index of one segment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			uid, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("parse uid: %w", err)
			}
			ctx := commandContext(cmd)
			rt, err := openRuntime(ctx, cfg, logger, nil)
			if err != nil {
				return err
			}
			defer rt.Close()

			seg, err := rt.meta.GetSegment(ctx, uid.String())
			if err != nil {
				return err
			}
			prefix := cfg.Storage.KeyPrefix
			if p, ok := seg.DriverMetadata[offload.MetadataKeyPrefix]; ok {
				prefix = p
			}
			raw, err := rt.blobs.ReadRange(ctx, offload.IndexKey(prefix, uid), nil)
			if err != nil {
				return err
			}
			idx, err := index.FromBytes(raw)
			if err != nil {
				return err
			}
			view, err := describeIndex(uid.String(), idx)
			if err != nil {
				return err
			}
			enc := yaml.NewEncoder(cmd.OutOrStdout())
			defer enc.Close()
			return enc.Encode(view)
		},
	}
}

func describeIndex(uid string, idx *index.Index) (indexView, error) {
	view := indexView{UID: uid, DataObjectLength: idx.DataObjectLength()}
	for _, ledgerID := range idx.Ledgers() {
		meta, err := idx.LedgerMetadata(ledgerID)
		if err != nil {
			return indexView{}, err
		}
		entries, err := idx.Entries(ledgerID)
		if err != nil {
			return indexView{}, err
		}
		lv := ledgerView{
			LedgerID:    ledgerID,
			LastEntryID: meta.LastEntryID,
			Length:      meta.Length,
			Closed:      meta.Closed,
			Blocks:      len(entries),
		}
		if len(entries) > 0 {
			lv.FirstEntryID = entries[0].EntryID
		}
		if len(meta.Custom) > 0 {
			lv.Custom = make(map[string]string, len(meta.Custom))
			for k, v := range meta.Custom {
				lv.Custom[k] = string(v)
			}
		}
		view.Ledgers = append(view.Ledgers, lv)
	}
	return view, nil
}

func newDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <uid>",
		Short: "Delete the objects and the record of one segment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			uid, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("parse uid: %w", err)
			}
			ctx := commandContext(cmd)
			rt, err := openRuntime(ctx, cfg, logger, nil)
			if err != nil {
				return err
			}
			defer rt.Close()

			seg, err := rt.meta.GetSegment(ctx, uid.String())
			if err != nil {
				return err
			}
			if err := rt.offloader.DeleteOffloaded(ctx, uid, seg.DriverMetadata); err != nil {
				return err
			}
			if err := rt.meta.DeleteSegment(ctx, seg.UID); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", seg.UID)
			return nil
		},
	}
}
