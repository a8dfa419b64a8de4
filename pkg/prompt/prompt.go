package prompt

import (
	"fmt"

	"github.com/menta2k/firewatch/pkg/i18n"
)

type languageText struct {
	instruction string
	name        string
	example     string
}

var texts = map[i18n.Language]languageText{
	i18n.English: {
		instruction: "Provide descriptions in English.",
		name:        "English",
		example:     "Small fire at the bottom-center of the image.",
	},
	i18n.Vietnamese: {
		instruction: "Cung cấp mô tả bằng tiếng Việt.",
		name:        "Vietnamese",
		example:     "Đám cháy nhỏ ở giữa dưới cùng của hình ảnh.",
	},
}

const template = `Analyze the provided image to identify any instances of smoke or fire.
%s
For each detected instance, provide the following information in a JSON object:
1. "type": A string, either "smoke" or "fire".
2. "description": A brief textual description of the detected instance and its location (IN THE SPECIFIED LANGUAGE: %s).
3. "boundingBox": An object with "x1", "y1", "x2", "y2" keys. These values should be floating-point numbers between 0.0 and 1.0, representing the top-left (x1, y1) and bottom-right (x2, y2) corners of the bounding box as percentages of the image's total width and height.

Return a single JSON object with a key "detections", which is an array of these detection objects.
If no smoke or fire is detected, return an empty array for "detections": {"detections": []}.
Example for a single detection:
{
  "detections": [
    {
      "type": "fire",
      "description": "%s",
      "boundingBox": { "x1": 0.45, "y1": 0.8, "x2": 0.55, "y2": 0.9 }
    }
  ]
}
`

// Build returns the detection instruction sent alongside the image.
// Unsupported languages get the English text.
func Build(lang i18n.Language) string {
	t, ok := texts[lang]
	if !ok {
		t = texts[i18n.English]
	}
	return fmt.Sprintf(template, t.instruction, t.name, t.example)
}
