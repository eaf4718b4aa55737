package report

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

const (
	sheetsBaseURL = "https://sheets.googleapis.com/v4"
	driveBaseURL  = "https://www.googleapis.com/drive/v3"

	sheetName = "Отчеты"
)

var sheetHeaders = []string{
	"Дата и Время",
	"Объект / Контекст",
	"Наименование дефекта",
	"Местонахождение",
	"Критичность",
	"Вероятная причина",
	"Нарушение (СНиП/ГОСТ)",
	"Рекомендация",
	"Экспертное заключение",
	"Фото",
}

// SheetsClient talks to the Google Sheets and Drive REST APIs with a
// service-account token source.
type SheetsClient struct {
	httpClient    *http.Client
	sheetsBaseURL string
	driveBaseURL  string
	folderID      string
}

// NewSheetsClient reads service-account credentials and builds an
// authenticated client. folderID optionally places new spreadsheets in a
// shared Drive folder.
func NewSheetsClient(ctx context.Context, credentialsFile, folderID string) (*SheetsClient, error) {
	data, err := os.ReadFile(credentialsFile)
	if err != nil {
		return nil, fmt.Errorf("read google credentials: %w", err)
	}
	cfg, err := google.JWTConfigFromJSON(data,
		"https://www.googleapis.com/auth/spreadsheets",
		"https://www.googleapis.com/auth/drive",
	)
	if err != nil {
		return nil, fmt.Errorf("parse google credentials: %w", err)
	}
	httpClient := oauth2.NewClient(ctx, cfg.TokenSource(ctx))
	httpClient.Timeout = 30 * time.Second
	return &SheetsClient{
		httpClient:    httpClient,
		sheetsBaseURL: sheetsBaseURL,
		driveBaseURL:  driveBaseURL,
		folderID:      folderID,
	}, nil
}

// WithBaseURLs overrides API endpoints. Used in tests.
func (c *SheetsClient) WithBaseURLs(sheets, drive string) *SheetsClient {
	c.sheetsBaseURL = strings.TrimRight(sheets, "/")
	c.driveBaseURL = strings.TrimRight(drive, "/")
	return c
}

// CreateSpreadsheet creates a report spreadsheet, names its sheet, writes
// the header row, and opens read access by link. Returns the spreadsheet id.
func (c *SheetsClient) CreateSpreadsheet(ctx context.Context, title string) (string, error) {
	meta := map[string]any{
		"name":     title,
		"mimeType": "application/vnd.google-apps.spreadsheet",
	}
	if c.folderID != "" {
		meta["parents"] = []string{c.folderID}
	}
	var created struct {
		ID string `json:"id"`
	}
	if err := c.doJSON(ctx, http.MethodPost,
		c.driveBaseURL+"/files?supportsAllDrives=true&fields=id", meta, &created); err != nil {
		return "", fmt.Errorf("create spreadsheet: %w", err)
	}
	if created.ID == "" {
		return "", fmt.Errorf("create spreadsheet: empty file id")
	}
	if err := c.renameFirstSheet(ctx, created.ID); err != nil {
		return "", err
	}
	if err := c.writeHeaders(ctx, created.ID); err != nil {
		return "", err
	}
	if err := c.shareByLink(ctx, created.ID); err != nil {
		return "", err
	}
	return created.ID, nil
}

// AppendRows appends value rows below the existing data. Append-only:
// INSERT_ROWS never overwrites prior rows.
func (c *SheetsClient) AppendRows(ctx context.Context, spreadsheetID string, rows [][]any) error {
	if len(rows) == 0 {
		return nil
	}
	url := fmt.Sprintf("%s/spreadsheets/%s/values/%s:append?valueInputOption=USER_ENTERED&insertDataOption=INSERT_ROWS",
		c.sheetsBaseURL, spreadsheetID, sheetName+"!A2")
	payload := map[string]any{"values": rows}
	if err := c.doJSON(ctx, http.MethodPost, url, payload, nil); err != nil {
		return fmt.Errorf("append rows: %w", err)
	}
	return nil
}

// SpreadsheetURL returns the user-facing edit URL.
func SpreadsheetURL(spreadsheetID string) string {
	return fmt.Sprintf("https://docs.google.com/spreadsheets/d/%s/edit", spreadsheetID)
}

func (c *SheetsClient) renameFirstSheet(ctx context.Context, spreadsheetID string) error {
	var info struct {
		Sheets []struct {
			Properties struct {
				SheetID int64 `json:"sheetId"`
			} `json:"properties"`
		} `json:"sheets"`
	}
	if err := c.doJSON(ctx, http.MethodGet,
		fmt.Sprintf("%s/spreadsheets/%s?fields=sheets.properties.sheetId", c.sheetsBaseURL, spreadsheetID),
		nil, &info); err != nil {
		return fmt.Errorf("get spreadsheet: %w", err)
	}
	var sheetID int64
	if len(info.Sheets) > 0 {
		sheetID = info.Sheets[0].Properties.SheetID
	}
	payload := map[string]any{
		"requests": []map[string]any{
			{
				"updateSheetProperties": map[string]any{
					"properties": map[string]any{"sheetId": sheetID, "title": sheetName},
					"fields":     "title",
				},
			},
			{
				"repeatCell": map[string]any{
					"range": map[string]any{"sheetId": sheetID, "startRowIndex": 0, "endRowIndex": 1},
					"cell": map[string]any{
						"userEnteredFormat": map[string]any{
							"textFormat":   map[string]any{"bold": true, "fontSize": 10},
							"wrapStrategy": "WRAP",
						},
					},
					"fields": "userEnteredFormat(textFormat,wrapStrategy)",
				},
			},
		},
	}
	if err := c.doJSON(ctx, http.MethodPost,
		fmt.Sprintf("%s/spreadsheets/%s:batchUpdate", c.sheetsBaseURL, spreadsheetID), payload, nil); err != nil {
		return fmt.Errorf("format spreadsheet: %w", err)
	}
	return nil
}

func (c *SheetsClient) writeHeaders(ctx context.Context, spreadsheetID string) error {
	headers := make([]any, len(sheetHeaders))
	for i, h := range sheetHeaders {
		headers[i] = h
	}
	url := fmt.Sprintf("%s/spreadsheets/%s/values/%s?valueInputOption=RAW",
		c.sheetsBaseURL, spreadsheetID, sheetName+"!A1")
	payload := map[string]any{"values": [][]any{headers}}
	if err := c.doJSON(ctx, http.MethodPut, url, payload, nil); err != nil {
		return fmt.Errorf("write headers: %w", err)
	}
	return nil
}

func (c *SheetsClient) shareByLink(ctx context.Context, spreadsheetID string) error {
	payload := map[string]any{"type": "anyone", "role": "reader"}
	url := fmt.Sprintf("%s/files/%s/permissions?supportsAllDrives=true", c.driveBaseURL, spreadsheetID)
	if err := c.doJSON(ctx, http.MethodPost, url, payload, nil); err != nil {
		return fmt.Errorf("share spreadsheet: %w", err)
	}
	return nil
}

func (c *SheetsClient) doJSON(ctx context.Context, method, url string, payload any, out any) error {
	var body *bytes.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	} else {
		body = bytes.NewReader(nil)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		var errResp struct {
			Error struct {
				Message string `json:"message"`
			} `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&errResp)
		if errResp.Error.Message != "" {
			return fmt.Errorf("google api error: %s", errResp.Error.Message)
		}
		return fmt.Errorf("google api error: %s", resp.Status)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
