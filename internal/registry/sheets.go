package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	"google.golang.org/api/sheets/v4"

	"nodelock/internal/config"
	apperrors "nodelock/internal/errors"
	"nodelock/pkg/contracts/domain"
)

// SheetsRegistry keeps the allow-list in a Google Sheets worksheet with the
// columns cpu_serial, mac_address, added_on, added_by. Uniqueness is
// enforced by reading before appending, which is weaker than a database
// constraint under concurrent registration.
type SheetsRegistry struct {
	service       *sheets.Service
	spreadsheetID string
	sheetName     string
	addedBy       string
	now           func() time.Time
	logger        *slog.Logger
}

// NewSheetsRegistry creates a Sheets-backed registry. The service account key
// is read from cfg.SheetsCredentialsFile, or taken from the resolved registry
// credential when no file is configured. Extra options override both.
func NewSheetsRegistry(ctx context.Context, cfg config.RegistryConfig, addedBy string, logger *slog.Logger, opts ...option.ClientOption) (*SheetsRegistry, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if addedBy == "" {
		addedBy = config.DefaultAddedBy
	}

	clientOpts := []option.ClientOption{option.WithScopes(sheets.SpreadsheetsScope)}
	switch {
	case cfg.SheetsCredentialsFile != "":
		data, err := os.ReadFile(cfg.SheetsCredentialsFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read sheets credentials: %w", err)
		}
		clientOpts = append(clientOpts, option.WithCredentialsJSON(data))
	case cfg.Credential != "":
		clientOpts = append(clientOpts, option.WithCredentialsJSON([]byte(cfg.Credential)))
	}
	clientOpts = append(clientOpts, opts...)

	service, err := sheets.NewService(ctx, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create sheets service: %w", err)
	}

	return &SheetsRegistry{
		service:       service,
		spreadsheetID: cfg.SpreadsheetID,
		sheetName:     cfg.SheetName,
		addedBy:       addedBy,
		now:           time.Now,
		logger:        logger.With(slog.String("component", "registry"), slog.String("driver", config.DriverSheets)),
	}, nil
}

func (r *SheetsRegistry) dataRange() string {
	return r.sheetName + "!A:D"
}

// Register implements Registry.
func (r *SheetsRegistry) Register(ctx context.Context, id domain.MachineIdentity) error {
	id, err := canonical(id)
	if err != nil {
		return err
	}

	found, err := r.lookup(ctx, id)
	if err != nil || found {
		return err
	}

	row := &sheets.ValueRange{
		Values: [][]interface{}{{id.CPUBrand, id.MACAddress, r.now().UTC().Format(time.RFC3339), r.addedBy}},
	}
	_, err = r.service.Spreadsheets.Values.Append(r.spreadsheetID, r.dataRange(), row).
		ValueInputOption("RAW").
		InsertDataOption("INSERT_ROWS").
		Context(ctx).
		Do()
	if err != nil {
		return classifySheetsError(err)
	}

	r.logger.DebugContext(ctx, "machine registered", slog.String("mac_address", id.MACAddress))
	return nil
}

// Exists implements Registry.
func (r *SheetsRegistry) Exists(ctx context.Context, id domain.MachineIdentity) (bool, error) {
	id, err := canonical(id)
	if err != nil {
		return false, err
	}
	return r.lookup(ctx, id)
}

func (r *SheetsRegistry) lookup(ctx context.Context, id domain.MachineIdentity) (bool, error) {
	resp, err := r.service.Spreadsheets.Values.Get(r.spreadsheetID, r.dataRange()).Context(ctx).Do()
	if err != nil {
		return false, classifySheetsError(err)
	}

	for _, row := range resp.Values {
		if len(row) < 2 {
			continue
		}
		cpu, _ := row[0].(string)
		mac, _ := row[1].(string)
		if strings.TrimSpace(cpu) == id.CPUBrand && strings.EqualFold(strings.TrimSpace(mac), id.MACAddress) {
			return true, nil
		}
	}
	return false, nil
}

// classifySheetsError separates API rejections (the service answered) from
// failures to reach it.
func classifySheetsError(err error) error {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		return apperrors.Query(err)
	}
	return apperrors.Transport(err)
}
