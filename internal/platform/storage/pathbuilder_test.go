package storage

import "testing"

func TestBuildLogoPath(t *testing.T) {
	path, err := BuildObjectPath(PurposeLogo, PathParams{
		SessionID: "ws_123",
		UploadID:  "upload789",
		FileName:  "logo.png",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	expected := "assets/sessions/ws_123/logos/upload789/logo.png"
	if path != expected {
		t.Fatalf("expected %s, got %s", expected, path)
	}
}

func TestBuildPrintReadyPathDefaultsFileName(t *testing.T) {
	path, err := BuildObjectPath(PurposePrintReady, PathParams{
		DesignID: "dsg_456",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	expected := "print-ready/designs/dsg_456/print.png"
	if path != expected {
		t.Fatalf("expected %s, got %s", expected, path)
	}
}

func TestBuildCanvasExportPath(t *testing.T) {
	path, err := BuildObjectPath(PurposeCanvasExport, PathParams{
		SessionID: "ws_123",
		ExportID:  "cv_9",
		FileName:  "composite.png",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	expected := "exports/sessions/ws_123/canvas/cv_9/composite.png"
	if path != expected {
		t.Fatalf("expected %s, got %s", expected, path)
	}
}

func TestBuildObjectPathRejectsInvalidSegment(t *testing.T) {
	_, err := BuildObjectPath(PurposeDesignMaster, PathParams{
		DesignID: "../bad",
		UploadID: "upload",
		FileName: "file.png",
	})
	if err == nil {
		t.Fatalf("expected error for invalid segment")
	}
}
