package buffer

import (
	"github.com/xtxerr/acqbuf/internal/errors"
	"github.com/xtxerr/acqbuf/internal/storage/parquet"
)

// ExportParquet writes the records at [start, end) to a Parquet file with the
// channel names in its metadata. Range rules are those of Query.
func (b *Buffer) ExportParquet(path string, start, end int64) (int64, error) {
	recs, err := b.Query(start, end)
	if err != nil {
		return 0, err
	}

	if err := parquet.WriteFile(path, b.Channels(), start, recs, parquet.DefaultOptions()); err != nil {
		return 0, errors.Wrapf(err, "export %s", path)
	}

	log.Info("records exported", "path", path, "start", start, "records", len(recs))
	return int64(len(recs)), nil
}

// ImportParquet appends every record of a Parquet export. The file's channel
// list must match the buffer.
func (b *Buffer) ImportParquet(path string) (int64, error) {
	channels, batch, err := parquet.ReadFile(path)
	if err != nil {
		return 0, errors.Wrapf(err, "import %s", path)
	}

	if len(channels) != len(b.channels) {
		return 0, errors.NewInvalidValue("channels", channels, "do not match buffer")
	}
	for i := range channels {
		if channels[i] != b.channels[i] {
			return 0, errors.NewInvalidValue("channels", channels, "do not match buffer")
		}
	}

	var n int64
	for _, rec := range batch.Records {
		if err := b.Append(rec); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}
