package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBaselineKeyID(t *testing.T) {
	vp := Viewport{Width: 1280, Height: 800}

	plain := BaselineKey{ProjectID: "proj-1", TestName: "home page", Viewport: vp}
	assert.Equal(t, "proj-1/home%20page/1280x800", plain.ID())

	// Without escaping both would be "a/b/c/1280x800"
	nested := BaselineKey{ProjectID: "a", TestName: "b/c", Viewport: vp}
	project := BaselineKey{ProjectID: "a/b", TestName: "c", Viewport: vp}
	assert.NotEqual(t, nested.ID(), project.ID())
	assert.Equal(t, "a/b%2Fc/1280x800", nested.ID())
}
