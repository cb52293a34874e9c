package router

import (
	"github.com/raphaelgruber/recipechat/internal/models"
	"github.com/raphaelgruber/recipechat/internal/protocol"
)

// recipeShell builds a list item without steps or ingredients.
func recipeShell(w protocol.WorkflowSummary) models.Recipe {
	return models.Recipe{
		WorkflowID: w.WorkflowID,
		Title:      w.Title,
		Duration:   string(w.Duration),
		ImageURL:   w.ImageURL,
		Intro:      w.Intro,
	}
}

// mergeDetail fills rec with d. Empty detail fields keep the existing value,
// and steps that already exist keep their progress.
func mergeDetail(rec models.Recipe, d protocol.WorkflowDetail) models.Recipe {
	rec = rec.Clone()
	if d.WorkflowID != "" {
		rec.WorkflowID = d.WorkflowID
	}
	if d.Title != "" {
		rec.Title = d.Title
	}
	if d.Duration != "" {
		rec.Duration = string(d.Duration)
	}
	if d.ImageURL != "" {
		rec.ImageURL = d.ImageURL
	}
	if intro := d.IntroOrText(); intro != "" {
		rec.Intro = intro
	}
	if d.Ingredients != nil {
		rec.Ingredients = append([]string(nil), d.Ingredients...)
	}
	if d.Utensils != nil {
		rec.Utensils = append([]string(nil), d.Utensils...)
	}
	if d.Tasks == nil {
		return rec
	}

	progress := make(map[string]models.StepStatus, len(rec.Steps))
	for _, s := range rec.Steps {
		progress[s.TaskID] = s.Status
	}
	steps := make([]models.Step, 0, len(d.Tasks))
	for _, t := range d.Tasks {
		status, ok := progress[t.TaskID]
		if !ok {
			status = models.StepUpcoming
		}
		steps = append(steps, models.Step{
			TaskID:           t.TaskID,
			Title:            t.Title,
			Duration:         string(t.Duration),
			MediaURL:         t.Media(),
			ShortDescription: t.ShortDescription,
			Description:      t.Description,
			Status:           status,
		})
	}
	rec.Steps = steps
	return rec
}
