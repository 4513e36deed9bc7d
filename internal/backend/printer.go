package backend

import (
	"time"

	"github.com/orrn/printconsole/internal/core"
)

// PrinterFromFields flattens a printer status object. Known keys become
// typed fields; everything else is kept in Fields.
func PrinterFromFields(m map[string]any) core.PrinterStatus {
	p := core.PrinterStatus{
		PrinterID: "default",
		Fields:    make(map[string]any, len(m)),
	}

	for k, v := range m {
		switch k {
		case "printerId", "id":
			if id := core.IDFromValue(v); id != "" {
				p.PrinterID = string(id)
			}
		case "status":
			if s, ok := v.(string); ok {
				p.Status = s
			}
		case "updatedAt", "lastUpdated":
			if s, ok := v.(string); ok {
				if t, err := time.Parse(time.RFC3339, s); err == nil {
					p.UpdatedAt = t
				}
			}
		default:
			p.Fields[k] = v
		}
	}

	return p
}
