// Package classify implements the Change Classifier (§4.C): joining a
// ScanResult against the Hash Index's lookup results into a kiln.ChangeSet.
package classify

import (
	"context"
	"encoding/hex"

	"github.com/kilnforge/kiln"
	"github.com/kilnforge/kiln/internal/hashindex"
)

// Classify computes the delta between scan and the persisted index.
//
//   - new: files whose relative_path is absent from the index.
//   - changed: files whose relative_path exists but whose content_hash
//     differs from the stored hash.
//   - deleted: indexed paths no longer present in the scan.
//   - unchanged: counted only, never materialized (§3's invariant that the
//     unchanged set carries no content).
func Classify(ctx context.Context, scan *kiln.ScanResult, idx *hashindex.Index) (*kiln.ChangeSet, error) {
	// Only markdown files that were actually readable ever get a HashRecord
	// (§3: "the set of HashRecords reflects the set of markdown files that
	// were successfully processed"), so non-markdown/inaccessible entries
	// the scanner still discovers (scanner.go's deliberate "scan everything,
	// filter markdown-ness into a field" design) must never reach New/
	// Changed/Unchanged or the deleted comparison below, mirroring the
	// original source's own guard (kiln_scanner.rs: "if !file_info.is_markdown
	// || !file_info.is_accessible { continue; }").
	eligible := make([]kiln.FileInfo, 0, len(scan.DiscoveredFiles))
	for _, f := range scan.DiscoveredFiles {
		if f.IsMarkdown && f.IsAccessible {
			eligible = append(eligible, f)
		}
	}

	paths := make([]string, len(eligible))
	scanned := make(map[string]struct{}, len(eligible))
	for i, f := range eligible {
		paths[i] = f.RelativePath
		scanned[f.RelativePath] = struct{}{}
	}

	lookup, err := idx.LookupBatch(ctx, paths)
	if err != nil {
		return nil, err
	}

	cs := &kiln.ChangeSet{}
	for _, f := range eligible {
		hexHash := hex.EncodeToString(f.ContentHash[:])
		rec, found := lookup.Found[f.RelativePath]
		switch {
		case !found:
			cs.New = append(cs.New, f)
		case rec.ContentHash != hexHash:
			cs.Changed = append(cs.Changed, f)
		default:
			cs.Unchanged++
		}
	}

	allPaths, err := idx.AllPaths(ctx)
	if err != nil {
		return nil, err
	}
	for _, p := range allPaths {
		if _, stillPresent := scanned[p]; !stillPresent {
			cs.Deleted = append(cs.Deleted, p)
		}
	}

	return cs, nil
}
