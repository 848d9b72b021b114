package metacache

import (
	"compress/gzip"
	"encoding/hex"
	"io"
	"math"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"google.golang.org/protobuf/encoding/protowire"
)

// Snapshot wire layout (protobuf encoding, gzip compressed):
//
//	Snapshot   { 1: scraped_at varint, 2: repeated Record }
//	Record     { 1: key, 2: hash bytes(20), 3: title, 4: sub_title, 5: artist,
//	             6: mapper, 7: duration, 8: upvotes, 9: downvotes,
//	             10: uploaded, 11: repeated Difficulty, 12: bpm fixed32 }
//	Difficulty { 1: characteristic, 2: difficulty, 3: njs fixed32, 4: notes,
//	             5: mods, 6: ranked, 7: ss_stars fixed32, 8: bl_stars fixed32 }
const (
	snapScrapedAt protowire.Number = 1
	snapRecord    protowire.Number = 2

	recKey        protowire.Number = 1
	recHash       protowire.Number = 2
	recTitle      protowire.Number = 3
	recSubTitle   protowire.Number = 4
	recArtist     protowire.Number = 5
	recMapper     protowire.Number = 6
	recDuration   protowire.Number = 7
	recUpvotes    protowire.Number = 8
	recDownvotes  protowire.Number = 9
	recUploaded   protowire.Number = 10
	recDifficulty protowire.Number = 11
	recBPM        protowire.Number = 12

	diffCharacteristic protowire.Number = 1
	diffDifficulty     protowire.Number = 2
	diffNJS            protowire.Number = 3
	diffNotes          protowire.Number = 4
	diffMods           protowire.Number = 5
	diffRanked         protowire.Number = 6
	diffSSStars        protowire.Number = 7
	diffBLStars        protowire.Number = 8
)

// ErrCorrupt is returned when a snapshot cannot be decoded.
var ErrCorrupt = errors.New("corrupt metadata snapshot")

// Encode writes records as a compressed snapshot.
func Encode(w io.Writer, scrapedAt time.Time, records []Record) error {
	var b []byte
	b = protowire.AppendTag(b, snapScrapedAt, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(scrapedAt.Unix()))
	for i := range records {
		rec, err := appendRecord(nil, &records[i])
		if err != nil {
			return err
		}
		b = protowire.AppendTag(b, snapRecord, protowire.BytesType)
		b = protowire.AppendBytes(b, rec)
	}

	zw := gzip.NewWriter(w)
	if _, err := zw.Write(b); err != nil {
		return errors.Wrap(err, "failed to compress snapshot")
	}
	return errors.Wrap(zw.Close(), "failed to finish snapshot")
}

// Decode reads a compressed snapshot.
func Decode(r io.Reader) (time.Time, []Record, error) {
	zr, err := gzip.NewReader(r)
	if err != nil {
		return time.Time{}, nil, errors.Wrapf(ErrCorrupt, "failed to open snapshot: %v", err)
	}
	defer zr.Close()

	b, err := io.ReadAll(zr)
	if err != nil {
		return time.Time{}, nil, errors.Wrapf(ErrCorrupt, "failed to decompress snapshot: %v", err)
	}

	var scrapedAt time.Time
	var records []Record
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return time.Time{}, nil, corrupt(n)
		}
		b = b[n:]

		switch {
		case num == snapScrapedAt && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return time.Time{}, nil, corrupt(n)
			}
			scrapedAt = time.Unix(int64(v), 0)
			b = b[n:]
		case num == snapRecord && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return time.Time{}, nil, corrupt(n)
			}
			rec, err := parseRecord(v)
			if err != nil {
				return time.Time{}, nil, err
			}
			records = append(records, rec)
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return time.Time{}, nil, corrupt(n)
			}
			b = b[n:]
		}
	}
	return scrapedAt, records, nil
}

func corrupt(n int) error {
	return errors.Wrapf(ErrCorrupt, "failed to parse snapshot: %v", protowire.ParseError(n))
}

func appendRecord(b []byte, r *Record) ([]byte, error) {
	b = appendVarintField(b, recKey, uint64(r.Key))
	if r.Hash != "" {
		raw, err := hex.DecodeString(r.Hash)
		if err != nil {
			return nil, errors.Wrapf(err, "record %x has invalid hash", r.Key)
		}
		b = protowire.AppendTag(b, recHash, protowire.BytesType)
		b = protowire.AppendBytes(b, raw)
	}
	b = appendStringField(b, recTitle, r.Title)
	b = appendStringField(b, recSubTitle, r.SubTitle)
	b = appendStringField(b, recArtist, r.Artist)
	b = appendStringField(b, recMapper, r.Mapper)
	b = appendVarintField(b, recDuration, uint64(r.DurationSeconds))
	b = appendVarintField(b, recUpvotes, uint64(r.Upvotes))
	b = appendVarintField(b, recDownvotes, uint64(r.Downvotes))
	b = appendVarintField(b, recUploaded, uint64(r.UploadedUnix))
	b = appendFloatField(b, recBPM, r.BPM)
	for i := range r.Difficulties {
		d := &r.Difficulties[i]
		var db []byte
		db = appendStringField(db, diffCharacteristic, d.Characteristic)
		db = appendStringField(db, diffDifficulty, d.Difficulty)
		db = appendFloatField(db, diffNJS, d.NJS)
		db = appendVarintField(db, diffNotes, uint64(d.Notes))
		db = appendVarintField(db, diffMods, uint64(d.Mods))
		db = appendVarintField(db, diffRanked, uint64(d.Ranked))
		db = appendFloatField(db, diffSSStars, d.ScoreSaberStars)
		db = appendFloatField(db, diffBLStars, d.BeatLeaderStars)
		b = protowire.AppendTag(b, recDifficulty, protowire.BytesType)
		b = protowire.AppendBytes(b, db)
	}
	return b, nil
}

func parseRecord(b []byte) (Record, error) {
	var r Record
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return r, corrupt(n)
		}
		b = b[n:]

		switch typ {
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return r, corrupt(n)
			}
			b = b[n:]
			switch num {
			case recKey:
				r.Key = uint32(v)
			case recDuration:
				r.DurationSeconds = uint32(v)
			case recUpvotes:
				r.Upvotes = uint32(v)
			case recDownvotes:
				r.Downvotes = uint32(v)
			case recUploaded:
				r.UploadedUnix = int64(v)
			}
		case protowire.Fixed32Type:
			v, n := protowire.ConsumeFixed32(b)
			if n < 0 {
				return r, corrupt(n)
			}
			b = b[n:]
			if num == recBPM {
				r.BPM = math.Float32frombits(v)
			}
		case protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return r, corrupt(n)
			}
			b = b[n:]
			switch num {
			case recHash:
				r.Hash = strings.ToUpper(hex.EncodeToString(v))
			case recTitle:
				r.Title = string(v)
			case recSubTitle:
				r.SubTitle = string(v)
			case recArtist:
				r.Artist = string(v)
			case recMapper:
				r.Mapper = string(v)
			case recDifficulty:
				d, err := parseDifficulty(v)
				if err != nil {
					return r, err
				}
				r.Difficulties = append(r.Difficulties, d)
			}
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return r, corrupt(n)
			}
			b = b[n:]
		}
	}
	return r, nil
}

func parseDifficulty(b []byte) (DifficultyRecord, error) {
	var d DifficultyRecord
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return d, corrupt(n)
		}
		b = b[n:]

		switch typ {
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return d, corrupt(n)
			}
			b = b[n:]
			switch num {
			case diffNotes:
				d.Notes = uint32(v)
			case diffMods:
				d.Mods = uint32(v)
			case diffRanked:
				d.Ranked = RankedStatus(v)
			}
		case protowire.Fixed32Type:
			v, n := protowire.ConsumeFixed32(b)
			if n < 0 {
				return d, corrupt(n)
			}
			b = b[n:]
			f := math.Float32frombits(v)
			switch num {
			case diffNJS:
				d.NJS = f
			case diffSSStars:
				d.ScoreSaberStars = f
			case diffBLStars:
				d.BeatLeaderStars = f
			}
		case protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return d, corrupt(n)
			}
			b = b[n:]
			switch num {
			case diffCharacteristic:
				d.Characteristic = string(v)
			case diffDifficulty:
				d.Difficulty = string(v)
			}
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return d, corrupt(n)
			}
			b = b[n:]
		}
	}
	return d, nil
}

func appendVarintField(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendStringField(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendFloatField(b []byte, num protowire.Number, f float32) []byte {
	if f == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.Fixed32Type)
	return protowire.AppendFixed32(b, math.Float32bits(f))
}
