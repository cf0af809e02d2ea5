package domain

// WizardStepDef describes one screen in the design wizard. The registry is
// fixed and ordered; indexes are 1-based.
type WizardStepDef struct {
	Index       int
	Key         string
	Title       string
	Description string
}

// Step keys, usable for deep links and analytics events.
const (
	StepKeyEventType = "event-type"
	StepKeyProducts  = "products"
	StepKeyBrand     = "brand-assets"
	StepKeyQuestions = "questions"
	StepKeyCanvas    = "canvas"
	StepKeyCheckout  = "checkout"
)

// Step index bounds.
const (
	FirstWizardStep = 1
	LastWizardStep  = 6
)

var wizardSteps = [...]WizardStepDef{
	{Index: 1, Key: StepKeyEventType, Title: "Event type", Description: "What is the occasion?"},
	{Index: 2, Key: StepKeyProducts, Title: "Products", Description: "Pick the merch to print on."},
	{Index: 3, Key: StepKeyBrand, Title: "Brand assets", Description: "Logos, colors, fonts and voice."},
	{Index: 4, Key: StepKeyQuestions, Title: "Design questions", Description: "Tell us about the design you want."},
	{Index: 5, Key: StepKeyCanvas, Title: "Canvas", Description: "Position your design on the product."},
	{Index: 6, Key: StepKeyCheckout, Title: "Checkout", Description: "Review and order."},
}

// WizardSteps returns the ordered step registry.
func WizardSteps() []WizardStepDef {
	steps := make([]WizardStepDef, len(wizardSteps))
	copy(steps, wizardSteps[:])
	return steps
}

// WizardStepCount reports how many steps the wizard has.
func WizardStepCount() int {
	return len(wizardSteps)
}

// WizardStepAt looks a step up by its 1-based index.
func WizardStepAt(index int) (WizardStepDef, bool) {
	if index < FirstWizardStep || index > LastWizardStep {
		return WizardStepDef{}, false
	}
	return wizardSteps[index-1], true
}

// WizardStepByKey looks a step up by its key.
func WizardStepByKey(key string) (WizardStepDef, bool) {
	for _, step := range wizardSteps {
		if step.Key == key {
			return step, true
		}
	}
	return WizardStepDef{}, false
}

// ClampWizardStep forces an index into [FirstWizardStep, LastWizardStep].
func ClampWizardStep(index int) int {
	if index < FirstWizardStep {
		return FirstWizardStep
	}
	if index > LastWizardStep {
		return LastWizardStep
	}
	return index
}
