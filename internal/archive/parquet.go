package archive

import (
	"bytes"
	"io"

	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/source"
	"github.com/xitongsys/parquet-go/writer"

	"crowdwatch/internal/reading"
)

// memFile is a write-only in-memory parquet target.
type memFile struct {
	buffer *bytes.Buffer
}

func newMemFile() *memFile {
	return &memFile{buffer: &bytes.Buffer{}}
}

func (m *memFile) Create(string) (source.ParquetFile, error) { return m, nil }
func (m *memFile) Open(string) (source.ParquetFile, error)   { return m, nil }
func (m *memFile) Seek(int64, int) (int64, error)            { return int64(m.buffer.Len()), nil }
func (m *memFile) Read([]byte) (int, error)                  { return 0, io.EOF }
func (m *memFile) Write(b []byte) (int, error)               { return m.buffer.Write(b) }
func (m *memFile) Close() error                              { return nil }
func (m *memFile) Bytes() []byte                             { return m.buffer.Bytes() }

// observationRecord is one archived reading.
type observationRecord struct {
	LocationID string  `parquet:"name=location_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	ObservedAt int64   `parquet:"name=observed_at, type=INT64, convertedtype=TIMESTAMP_MILLIS"`
	Count      int64   `parquet:"name=count, type=INT64"`
	Density    float64 `parquet:"name=density, type=DOUBLE"`
	Alert      bool    `parquet:"name=alert, type=BOOLEAN"`
	ReceivedAt int64   `parquet:"name=received_at, type=INT64, convertedtype=TIMESTAMP_MILLIS"`
}

// observation is a reading queued for export with its evaluated alert flag.
type observation struct {
	reading reading.Reading
	alert   bool
}

func toRecord(location string, o observation) observationRecord {
	r := o.reading
	if r.LocationID != "" {
		location = r.LocationID
	}
	return observationRecord{
		LocationID: location,
		ObservedAt: r.Timestamp.UTC().UnixMilli(),
		Count:      r.Count,
		Density:    r.Density,
		Alert:      o.alert,
		ReceivedAt: r.ReceivedAt.UTC().UnixMilli(),
	}
}

// encodeParquet writes readings as a snappy compressed parquet object.
func encodeParquet(location string, batch []observation) ([]byte, error) {
	mf := newMemFile()
	pw, err := writer.NewParquetWriter(mf, new(observationRecord), 1)
	if err != nil {
		return nil, err
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	for _, o := range batch {
		if err := pw.Write(toRecord(location, o)); err != nil {
			return nil, err
		}
	}
	if err := pw.WriteStop(); err != nil {
		return nil, err
	}
	return mf.Bytes(), nil
}
