package gtfsmerge

import (
	"encoding/binary"
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/minio/highwayhash"
)

var signatureKey = []byte("gtfsmerge-trip-signature-key-32b")

// TripSignature fingerprints a trip's ordered (stop_id, arrival, departure) sequence.
type TripSignature struct {
	canonical string
	stops     int
}

func (s TripSignature) Equal(other TripSignature) bool {
	return s.stops == other.stops && s.canonical == other.canonical
}

// Sum is a short digest of the signature, used in diagnostics.
func (s TripSignature) Sum() uint64 {
	h, err := highwayhash.New64(signatureKey)
	if err != nil {
		panic(err) // key length is fixed
	}
	_, _ = h.Write([]byte(s.canonical))
	return h.Sum64()
}

func (s TripSignature) String() string {
	return fmt.Sprintf("%016x/%d stops", s.Sum(), s.stops)
}

type stopTimeEntry struct {
	sequence  int
	stopID    string
	arrival   int
	departure int
}

// tripSignatures computes the signature of every listed trip from a stop_times table.
func tripSignatures(stopTimes *Table, trips map[string]bool) (map[string]TripSignature, error) {
	entries := make(map[string][]stopTimeEntry, len(trips))
	if stopTimes != nil {
		for _, r := range stopTimes.Rows {
			tripID := stopTimes.Get(r, "trip_id")
			if !trips[tripID] {
				continue
			}
			seq, err := strconv.Atoi(strings.TrimSpace(stopTimes.Get(r, "stop_sequence")))
			if err != nil {
				return nil, fmt.Errorf("trip %s: invalid stop_sequence %q", tripID, stopTimes.Get(r, "stop_sequence"))
			}
			arrival, err := parseGTFSTime(stopTimes.Get(r, "arrival_time"))
			if err != nil {
				return nil, fmt.Errorf("trip %s: %w", tripID, err)
			}
			departure, err := parseGTFSTime(stopTimes.Get(r, "departure_time"))
			if err != nil {
				return nil, fmt.Errorf("trip %s: %w", tripID, err)
			}
			entries[tripID] = append(entries[tripID], stopTimeEntry{
				sequence:  seq,
				stopID:    stopTimes.Get(r, "stop_id"),
				arrival:   arrival,
				departure: departure,
			})
		}
	}

	out := make(map[string]TripSignature, len(trips))
	for tripID := range trips {
		out[tripID] = signatureOf(entries[tripID])
	}
	return out, nil
}

func signatureOf(entries []stopTimeEntry) TripSignature {
	slices.SortStableFunc(entries, func(a, b stopTimeEntry) int { return a.sequence - b.sequence })

	var b strings.Builder
	var buf [8]byte
	for _, e := range entries {
		binary.BigEndian.PutUint32(buf[:4], uint32(len(e.stopID)))
		b.Write(buf[:4])
		b.WriteString(e.stopID)
		binary.BigEndian.PutUint32(buf[:4], uint32(int32(e.arrival)))
		binary.BigEndian.PutUint32(buf[4:], uint32(int32(e.departure)))
		b.Write(buf[:])
	}
	return TripSignature{canonical: b.String(), stops: len(entries)}
}

// parseGTFSTime converts H:MM:SS (hours may exceed 24) into seconds. Blank times are -1.
func parseGTFSTime(s string) (int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return -1, nil
	}
	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return 0, fmt.Errorf("invalid time %q", s)
	}
	var secs int
	for _, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 {
			return 0, fmt.Errorf("invalid time %q", s)
		}
		secs = secs*60 + n
	}
	return secs, nil
}
