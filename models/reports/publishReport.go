package reports

import (
	"context"
	"fmt"
	"io"
	"time"

	"bitbucket.org/mmdatafocus/press_backend/config"
	"bitbucket.org/mmdatafocus/press_backend/models"
	"bitbucket.org/mmdatafocus/press_backend/utils"
	"github.com/xuri/excelize/v2"
)

type publishReportRow struct {
	ID            int
	Title         string
	State         string
	QueueId       *string
	QueuePosition *int
	ExternalRef   *string
	ErrorDetail   *string
	ResolvedAt    *time.Time
}

func getPublishReport(ctx context.Context, queueId string) ([]*publishReportRow, error) {
	db := config.GetDB()
	dbCtx := db.WithContext(ctx).Model(&models.Manuscript{}).
		Select("id, title, state, queue_id, queue_position, external_ref, error_detail, resolved_at")
	if queueId != "" {
		dbCtx = dbCtx.Where("queue_id = ?", queueId)
	}
	var records []*publishReportRow
	if err := dbCtx.Order("queue_id, queue_position, id").Scan(&records).Error; err != nil {
		return nil, err
	}
	return records, nil
}

// WritePublishReport streams an xlsx of manuscript outcomes. An empty queueId
// exports everything.
func WritePublishReport(ctx context.Context, w io.Writer, queueId string) error {
	data, err := getPublishReport(ctx, queueId)
	if err != nil {
		return err
	}

	f := excelize.NewFile()
	sheetName := "Sheet1"
	if _, err := f.NewSheet(sheetName); err != nil {
		return err
	}

	// Add headers
	f.SetCellValue(sheetName, "A1", "Id")
	f.SetCellValue(sheetName, "B1", "Title")
	f.SetCellValue(sheetName, "C1", "State")
	f.SetCellValue(sheetName, "D1", "QueueId")
	f.SetCellValue(sheetName, "E1", "Position")
	f.SetCellValue(sheetName, "F1", "ExternalRef")
	f.SetCellValue(sheetName, "G1", "ErrorDetail")
	f.SetCellValue(sheetName, "H1", "ResolvedAt")

	// Add data
	for i, d := range data {
		row := fmt.Sprint(i + 2)
		f.SetCellValue(sheetName, "A"+row, d.ID)
		f.SetCellValue(sheetName, "B"+row, d.Title)
		f.SetCellValue(sheetName, "C"+row, d.State)
		f.SetCellValue(sheetName, "D"+row, utils.DereferencePtr(d.QueueId))
		if d.QueuePosition != nil {
			f.SetCellValue(sheetName, "E"+row, *d.QueuePosition)
		}
		f.SetCellValue(sheetName, "F"+row, utils.DereferencePtr(d.ExternalRef))
		f.SetCellValue(sheetName, "G"+row, utils.DereferencePtr(d.ErrorDetail))
		if d.ResolvedAt != nil {
			f.SetCellValue(sheetName, "H"+row, d.ResolvedAt.UTC().Format(time.RFC3339))
		}
	}

	return f.Write(w)
}
