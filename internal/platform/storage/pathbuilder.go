package storage

import (
	"fmt"
	"strings"
	"sync"
)

// AssetPurpose captures high-level intent for storage layout decisions.
type AssetPurpose string

const (
	PurposeLogo         AssetPurpose = "logo"
	PurposeDesignMaster AssetPurpose = "design-master"
	PurposePrintReady   AssetPurpose = "print-ready"
	PurposeCanvasExport AssetPurpose = "canvas-export"
	PurposeMockup       AssetPurpose = "mockup"
)

// PathParams provide required identifiers to compose storage object keys.
type PathParams struct {
	SessionID string
	DesignID  string
	ProductID string
	UploadID  string
	ExportID  string
	FileName  string
}

// PathBuilder composes the object path for a given asset purpose.
type PathBuilder func(PathParams) (string, error)

var (
	pathBuilders = map[AssetPurpose]PathBuilder{
		PurposeLogo:         buildLogoPath,
		PurposeDesignMaster: buildDesignMasterPath,
		PurposePrintReady:   buildPrintReadyPath,
		PurposeCanvasExport: buildCanvasExportPath,
		PurposeMockup:       buildMockupPath,
	}
	pathBuildersMu sync.RWMutex
)

// RegisterPathBuilder overrides or registers a builder for a specific purpose.
func RegisterPathBuilder(purpose AssetPurpose, builder PathBuilder) {
	pathBuildersMu.Lock()
	defer pathBuildersMu.Unlock()
	if builder == nil {
		delete(pathBuilders, purpose)
		return
	}
	pathBuilders[purpose] = builder
}

// BuildObjectPath resolves the storage object path for the given purpose.
func BuildObjectPath(purpose AssetPurpose, params PathParams) (string, error) {
	pathBuildersMu.RLock()
	builder, ok := pathBuilders[purpose]
	pathBuildersMu.RUnlock()
	if !ok {
		return "", fmt.Errorf("storage: unsupported asset purpose %q", purpose)
	}
	return builder(params)
}

func buildLogoPath(params PathParams) (string, error) {
	sessionID, err := validateSegment("sessionID", params.SessionID)
	if err != nil {
		return "", err
	}
	uploadID, err := validateSegment("uploadID", params.UploadID)
	if err != nil {
		return "", err
	}
	fileName, err := validateFileName(params.FileName)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("assets/sessions/%s/logos/%s/%s", sessionID, uploadID, fileName), nil
}

func buildDesignMasterPath(params PathParams) (string, error) {
	designID, err := validateSegment("designID", params.DesignID)
	if err != nil {
		return "", err
	}
	uploadID, err := validateSegment("uploadID", params.UploadID)
	if err != nil {
		return "", err
	}
	fileName, err := validateFileName(params.FileName)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("assets/designs/%s/sources/%s/%s", designID, uploadID, fileName), nil
}

func buildPrintReadyPath(params PathParams) (string, error) {
	designID, err := validateSegment("designID", params.DesignID)
	if err != nil {
		return "", err
	}
	name := strings.TrimSpace(params.FileName)
	if name == "" {
		name = "print.png"
	}
	fileName, err := validateFileName(name)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("print-ready/designs/%s/%s", designID, fileName), nil
}

func buildCanvasExportPath(params PathParams) (string, error) {
	sessionID, err := validateSegment("sessionID", params.SessionID)
	if err != nil {
		return "", err
	}
	exportID, err := validateSegment("exportID", params.ExportID)
	if err != nil {
		return "", err
	}
	fileName, err := validateFileName(params.FileName)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("exports/sessions/%s/canvas/%s/%s", sessionID, exportID, fileName), nil
}

func buildMockupPath(params PathParams) (string, error) {
	productID, err := validateSegment("productID", params.ProductID)
	if err != nil {
		return "", err
	}
	fileName, err := validateFileName(params.FileName)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("assets/products/%s/mockups/%s", productID, fileName), nil
}

func validateSegment(name, value string) (string, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return "", fmt.Errorf("storage: %s is required", name)
	}
	if strings.ContainsAny(value, "/\\") {
		return "", fmt.Errorf("storage: %s contains invalid path characters", name)
	}
	if strings.Contains(value, "..") {
		return "", fmt.Errorf("storage: %s contains invalid traversal sequence", name)
	}
	return value, nil
}

func validateFileName(value string) (string, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return "", fmt.Errorf("storage: fileName is required")
	}
	if strings.ContainsAny(value, "/\\") {
		return "", fmt.Errorf("storage: fileName contains invalid path characters")
	}
	if strings.Contains(value, "..") {
		return "", fmt.Errorf("storage: fileName contains invalid traversal sequence")
	}
	return value, nil
}
