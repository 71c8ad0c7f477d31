package ingest

import (
	"context"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/sitetrace/scanrelay/pkg/common/logger"
	"github.com/sitetrace/scanrelay/pkg/scan"
	"gorm.io/datatypes"
)

type ResultStatus string

const (
	StatusPersisted         = ResultStatus("persisted")
	StatusSkippedDecode     = ResultStatus("skipped_decode")
	StatusSkippedConstraint = ResultStatus("skipped_constraint")
)

// MessageResult is the per-message outcome collected into the batch summary.
// One message's failure never unwinds the batch handler.
type MessageResult struct {
	Partition int
	Offset    int64
	Status    ResultStatus
	RowID     string
	Err       error
}

// BatchSummary aggregates one batch attempt. A non-nil Connectivity error
// means the store was unreachable: the checkpoint must not advance and the
// whole batch is retried.
type BatchSummary struct {
	Results      []MessageResult
	Persisted    int
	Skipped      int
	Connectivity error
}

// Store is the slice of the repository the batch service needs.
type Store interface {
	Insert(ctx context.Context, row *PersistedScan) error
}

type Service struct {
	aliases *scan.AliasTable
	store   Store
}

func NewService(aliases *scan.AliasTable, store Store) *Service {
	return &Service{aliases: aliases, store: store}
}

// ProcessBatch attempts every message in the batch independently. Decode and
// constraint failures are logged and skipped; a connectivity failure aborts
// the batch so nothing gets checkpointed.
func (s *Service) ProcessBatch(ctx context.Context, msgs []kafka.Message) BatchSummary {
	var summary BatchSummary

	for _, msg := range msgs {
		res := s.processMessage(ctx, msg)
		summary.Results = append(summary.Results, res)

		switch res.Status {
		case StatusPersisted:
			summary.Persisted++
		default:
			summary.Skipped++
		}

		if res.Err != nil && IsConnectivityError(res.Err) {
			summary.Connectivity = res.Err
			break
		}
	}

	logger.Log.WithFields(map[string]interface{}{
		"batch_size": len(msgs),
		"persisted":  summary.Persisted,
		"skipped":    summary.Skipped,
	}).Info("batch processed")

	return summary
}

func (s *Service) processMessage(ctx context.Context, msg kafka.Message) MessageResult {
	res := MessageResult{Partition: msg.Partition, Offset: msg.Offset}

	rec, warnings, err := s.aliases.Decode(msg.Value)
	if err != nil {
		res.Status = StatusSkippedDecode
		res.Err = err
		logger.Log.WithError(err).WithFields(map[string]interface{}{
			"partition": msg.Partition,
			"offset":    msg.Offset,
			"payload":   truncate(msg.Value, 1024),
		}).Error("undecodable message skipped")
		return res
	}
	for _, w := range warnings {
		logger.Log.WithFields(map[string]interface{}{
			"partition": msg.Partition,
			"offset":    msg.Offset,
			"warning":   w,
		}).Warn("message normalized with warning")
	}

	row := toRow(rec)
	if err := s.store.Insert(ctx, row); err != nil {
		res.Err = err
		if IsConnectivityError(err) {
			logger.Log.WithError(err).Error("store unreachable, batch will be redelivered")
			return res
		}
		res.Status = StatusSkippedConstraint
		logger.Log.WithError(err).WithFields(map[string]interface{}{
			"tag":    rec.TagName,
			"device": rec.DeviceID,
			"offset": msg.Offset,
		}).Error("constraint violation, message skipped")
		return res
	}

	res.Status = StatusPersisted
	res.RowID = row.ID
	return res
}

func toRow(rec scan.Record) *PersistedScan {
	row := &PersistedScan{
		TagName:   rec.TagName,
		SiteID:    rec.SiteID.String(),
		Latitude:  rec.Latitude,
		Longitude: rec.Longitude,
		Speed:     rec.Speed,
		DeviceID:  rec.DeviceID,
		Antenna:   rec.Antenna,
		Barrier:   rec.Barrier,
		Comment:   rec.Comment,
	}

	if rec.CapturedAtMicros > 0 {
		row.CapturedAt = time.UnixMicro(rec.CapturedAtMicros).UTC()
	} else {
		row.CapturedAt = time.Now().UTC()
	}

	if rec.DeviceInfo != nil {
		row.DeviceInfo = datatypes.JSONMap{
			"registrationId": rec.DeviceInfo.RegistrationID,
			"siteName":       rec.DeviceInfo.SiteName,
			"truckNumber":    rec.DeviceInfo.TruckNumber,
			"deviceSerial":   rec.DeviceInfo.DeviceSerial,
		}
	}

	return row
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		return string(b[:n]) + "..."
	}
	return string(b)
}
