package feed

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"autoplan/internal/model"
)

// CSVFeed reads candidate files dropped by the scoring job. Path may be a
// single file or a directory of *.csv files; only files modified after
// since are read.
type CSVFeed struct {
	Path string
}

func (f CSVFeed) Name() string { return "csv" }

func (f CSVFeed) Fetch(ctx context.Context, since time.Time) ([]model.Candidate, error) {
	files, err := f.files(since)
	if err != nil {
		return nil, err
	}
	out := []model.Candidate{}
	for _, p := range files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		fh, err := os.Open(p)
		if err != nil {
			return nil, err
		}
		cands, err := ParseCSV(fh)
		_ = fh.Close()
		if err != nil {
			return nil, fmt.Errorf("%s: %w", filepath.Base(p), err)
		}
		out = append(out, cands...)
	}
	return out, nil
}

func (f CSVFeed) files(since time.Time) ([]string, error) {
	st, err := os.Stat(f.Path)
	if err != nil {
		return nil, err
	}
	if !st.IsDir() {
		if st.ModTime().After(since) {
			return []string{f.Path}, nil
		}
		return nil, nil
	}
	entries, err := os.ReadDir(f.Path)
	if err != nil {
		return nil, err
	}
	type item struct {
		path string
		mod  time.Time
	}
	var items []item
	for _, e := range entries {
		if e.IsDir() || !strings.EqualFold(filepath.Ext(e.Name()), ".csv") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			return nil, err
		}
		if info.ModTime().After(since) {
			items = append(items, item{filepath.Join(f.Path, e.Name()), info.ModTime()})
		}
	}
	sort.Slice(items, func(i, j int) bool { return items[i].mod.Before(items[j].mod) })
	out := make([]string, len(items))
	for i, it := range items {
		out[i] = it.path
	}
	return out, nil
}

var requiredCols = []string{"truck_id", "trip_key", "p_arrive", "rpm", "origin_lat", "origin_lon", "dest_lat", "dest_lon", "load_start"}

// ParseCSV reads candidates by header name. Times are RFC3339; blank
// optional columns are left zero.
func ParseCSV(r io.Reader) ([]model.Candidate, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true
	header, err := cr.Read()
	if err == io.EOF {
		return []model.Candidate{}, nil
	}
	if err != nil {
		return nil, err
	}
	idx := map[string]int{}
	for i, h := range header {
		idx[strings.ToLower(strings.TrimSpace(h))] = i
	}
	for _, c := range requiredCols {
		if _, ok := idx[c]; !ok {
			return nil, fmt.Errorf("missing column %q", c)
		}
	}
	out := []model.Candidate{}
	line := 1
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		line++
		if err != nil {
			return nil, err
		}
		row := csvRow{rec: rec, idx: idx}
		c := model.Candidate{
			TruckID:  row.str("truck_id"),
			TripKey:  row.str("trip_key"),
			Decision: MapDecision(row.str("decision")),
		}
		c.PArrive = row.float("p_arrive")
		c.RPM = row.float("rpm")
		c.Origin = model.GeoPoint{Lat: row.float("origin_lat"), Lng: row.float("origin_lon")}
		c.Destination = model.GeoPoint{Lat: row.float("dest_lat"), Lng: row.float("dest_lon")}
		if row.str("truck_lat") != "" && row.str("truck_lon") != "" {
			c.TruckPos = &model.GeoPoint{Lat: row.float("truck_lat"), Lng: row.float("truck_lon")}
		}
		c.LoadStart = row.time("load_start")
		c.LoadEnd = row.time("load_end")
		c.UnloadStart = row.time("unload_start")
		c.UnloadEnd = row.time("unload_end")
		if row.str("price") != "" {
			v := row.float("price")
			c.Price = &v
		}
		if ro, rd := row.str("region_origin"), row.str("region_dest"); ro != "" || rd != "" {
			c.Region = &model.RegionInfo{Origin: ro, Destination: rd}
		}
		if row.err != nil {
			return nil, fmt.Errorf("line %d: %w", line, row.err)
		}
		out = append(out, c)
	}
	return out, nil
}

type csvRow struct {
	rec []string
	idx map[string]int
	err error
}

func (r *csvRow) str(col string) string {
	i, ok := r.idx[col]
	if !ok || i >= len(r.rec) {
		return ""
	}
	return strings.TrimSpace(r.rec[i])
}

func (r *csvRow) float(col string) float64 {
	s := r.str(col)
	if s == "" || r.err != nil {
		return 0
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		r.err = fmt.Errorf("%s: %w", col, err)
	}
	return v
}

func (r *csvRow) time(col string) time.Time {
	s := r.str(col)
	if s == "" || r.err != nil {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		r.err = fmt.Errorf("%s: %w", col, err)
	}
	return t.UTC()
}
