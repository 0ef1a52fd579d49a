package analytics

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"

	"github.com/radiusdt/spend-optimizer/internal/models"
)

// FunnelCSVHeader is the header row of the funnel export.
var FunnelCSVHeader = []string{"Stage", "Count", "Percentage", "Drop-off Rate"}

// WriteFunnelCSV writes funnel stages as CSV with percentages rendered to
// two decimals and a trailing percent sign.
func WriteFunnelCSV(w io.Writer, stages []models.FunnelStage) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(FunnelCSVHeader); err != nil {
		return fmt.Errorf("write csv header: %w", err)
	}
	for _, s := range stages {
		row := []string{
			s.Stage,
			strconv.FormatInt(s.Count, 10),
			formatPercent(s.Percentage),
			formatPercent(s.DropOffRate),
		}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("write csv row: %w", err)
		}
	}
	cw.Flush()
	return cw.Error()
}

func formatPercent(v float64) string {
	return strconv.FormatFloat(v, 'f', 2, 64) + "%"
}
