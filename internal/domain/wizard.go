package domain

import "strings"

// Transition helpers shared by every writer of the wizard aggregate. The
// selection invariant (SelectedDesignID always references an existing
// candidate, or is empty) is maintained here so no caller can skip it.

// FindGeneratedDesign looks a showcase candidate up by id.
func (s *WizardSession) FindGeneratedDesign(designID string) (GeneratedDesign, bool) {
	id := strings.TrimSpace(designID)
	if id == "" {
		return GeneratedDesign{}, false
	}
	for _, design := range s.Designs {
		if design.ID == id {
			return design, true
		}
	}
	return GeneratedDesign{}, false
}

// AppendGeneratedDesigns adds candidates to the showcase. Entries without an
// id or image URL are skipped. The newest appended candidate wins the
// selection.
func (s *WizardSession) AppendGeneratedDesigns(designs ...GeneratedDesign) int {
	appended := 0
	for _, design := range designs {
		design.ID = strings.TrimSpace(design.ID)
		design.ImageURL = strings.TrimSpace(design.ImageURL)
		if design.ID == "" || design.ImageURL == "" {
			continue
		}
		s.Designs = append(s.Designs, design)
		s.SelectedDesignID = design.ID
		appended++
	}
	return appended
}

// RemoveGeneratedDesign deletes one candidate and reports whether anything
// was removed. The selection invariant is re-checked afterwards.
func (s *WizardSession) RemoveGeneratedDesign(designID string) bool {
	id := strings.TrimSpace(designID)
	if id == "" {
		return false
	}
	removed := false
	kept := make([]GeneratedDesign, 0, len(s.Designs))
	for _, design := range s.Designs {
		if design.ID == id {
			removed = true
			continue
		}
		kept = append(kept, design)
	}
	if !removed {
		return false
	}
	if len(kept) == 0 {
		kept = nil
	}
	s.Designs = kept
	s.EnsureDesignSelection()
	return removed
}

// SelectGeneratedDesign marks an existing candidate as selected and reports
// whether the id was found.
func (s *WizardSession) SelectGeneratedDesign(designID string) bool {
	id := strings.TrimSpace(designID)
	if _, ok := s.FindGeneratedDesign(id); !ok {
		return false
	}
	s.SelectedDesignID = id
	return true
}

// SetDesignFavorite flags one candidate and reports whether the id was found.
// Favorites do not affect the selection.
func (s *WizardSession) SetDesignFavorite(designID string, favorite bool) bool {
	id := strings.TrimSpace(designID)
	if id == "" {
		return false
	}
	for i := range s.Designs {
		if s.Designs[i].ID == id {
			s.Designs[i].Favorite = favorite
			return true
		}
	}
	return false
}

// ClearGeneratedDesigns empties the showcase for a fresh generation round.
// The saved-design pipeline fields are left alone; they track the last save,
// not the current candidates.
func (s *WizardSession) ClearGeneratedDesigns() {
	s.Designs = nil
	s.SelectedDesignID = ""
}

// EnsureDesignSelection clears a selection that no longer references an
// existing candidate. Every removal path must end here.
func (s *WizardSession) EnsureDesignSelection() {
	if s.SelectedDesignID == "" {
		return
	}
	if _, ok := s.FindGeneratedDesign(s.SelectedDesignID); !ok {
		s.SelectedDesignID = ""
	}
}
