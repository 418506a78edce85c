package engine

import (
	"fmt"

	"github.com/basket/visionforge/internal/persistence"
)

// kindSpec binds a task kind to its system prompt, the logical endpoint
// name stamped on usage records, and the write mode used when persisting
// the completion as an artifact.
type kindSpec struct {
	system   string
	endpoint string
	mode     persistence.WriteMode
}

var kindSpecs = map[string]kindSpec{
	KindPictureExplain: {
		system:   "You explain pictures. Given an image reference and a question, produce a clear, factual explanation of what the image shows. Answer in plain prose.",
		endpoint: "/tasks/picture.explain",
		mode:     persistence.WriteModeOverwrite,
	},
	KindWaxStack: {
		system:   "You write short notes that build on each other. Each response stands alone but reads naturally after the previous ones.",
		endpoint: "/tasks/wax.stack",
		mode:     persistence.WriteModeAppend,
	},
	KindWorldRender: {
		system:   "You render scene descriptions. Given a prompt, produce a vivid, self-contained description of the requested scene.",
		endpoint: "/tasks/world.render",
		mode:     persistence.WriteModeOverwrite,
	},
}

// buildPrompt assembles the user prompt sent to the provider. Picture
// tasks carry the image reference inline so the provider sees it.
func buildPrompt(kind string, p Payload) string {
	if kind == KindPictureExplain && p.ImageRef != "" {
		return fmt.Sprintf("Image: %s\n\n%s", p.ImageRef, p.Prompt)
	}
	return p.Prompt
}
