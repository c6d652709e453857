package sheetsfeed

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	goption "google.golang.org/api/option"
	gsheet "google.golang.org/api/sheets/v4"
)

// GoogleValues reads and writes tabs through the Sheets API.
type GoogleValues struct {
	svc           *gsheet.Service
	spreadsheetID string
}

// NewGoogleValues creates a Sheets client for spreadsheetID. Empty
// credentialsJSON falls back to CredentialsFromEnv, then to application
// default credentials. extra options are applied last.
func NewGoogleValues(ctx context.Context, spreadsheetID string, credentialsJSON []byte, extra ...goption.ClientOption) (*GoogleValues, error) {
	spreadsheetID = strings.TrimSpace(spreadsheetID)
	if spreadsheetID == "" {
		return nil, errors.New("missing spreadsheet id")
	}

	if len(credentialsJSON) == 0 {
		var err error
		if credentialsJSON, err = CredentialsFromEnv(); err != nil {
			return nil, err
		}
	}

	opts := []goption.ClientOption{goption.WithScopes(gsheet.SpreadsheetsScope)}
	if len(credentialsJSON) > 0 {
		opts = append(opts, goption.WithCredentialsJSON(credentialsJSON))
	}
	opts = append(opts, extra...)
	svc, err := gsheet.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create sheets service: %w", err)
	}
	return &GoogleValues{svc: svc, spreadsheetID: spreadsheetID}, nil
}

// CredentialsFromEnv returns service account JSON from
// GOOGLE_SERVICE_ACCOUNT_JSON, or the file named by GOOGLE_SERVICE_ACCOUNT_FILE.
// It returns nil when neither is set.
func CredentialsFromEnv() ([]byte, error) {
	if v := strings.TrimSpace(os.Getenv("GOOGLE_SERVICE_ACCOUNT_JSON")); v != "" {
		return []byte(v), nil
	}
	if path := strings.TrimSpace(os.Getenv("GOOGLE_SERVICE_ACCOUNT_FILE")); path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read service account file: %w", err)
		}
		return b, nil
	}
	return nil, nil
}

func (g *GoogleValues) Read(ctx context.Context, sheet string) ([][]any, error) {
	rng := fmt.Sprintf("%s!A:Z", sheet)
	resp, err := g.svc.Spreadsheets.Values.Get(g.spreadsheetID, rng).Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", rng, err)
	}
	return resp.Values, nil
}

// Replace clears the tab and writes rows from A1. Values are written RAW so
// that amounts and dates are not reinterpreted by the sheet locale.
func (g *GoogleValues) Replace(ctx context.Context, sheet string, rows [][]any) error {
	rng := fmt.Sprintf("%s!A:Z", sheet)
	if _, err := g.svc.Spreadsheets.Values.Clear(g.spreadsheetID, rng, &gsheet.ClearValuesRequest{}).Context(ctx).Do(); err != nil {
		return fmt.Errorf("clear %s: %w", rng, err)
	}
	start := fmt.Sprintf("%s!A1", sheet)
	vr := &gsheet.ValueRange{Values: rows}
	_, err := g.svc.Spreadsheets.Values.Update(g.spreadsheetID, start, vr).
		ValueInputOption("RAW").Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("update %s: %w", start, err)
	}
	return nil
}

var _ Values = (*GoogleValues)(nil)
