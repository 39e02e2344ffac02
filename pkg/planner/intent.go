package planner

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Intent is the recognized kind of request.
type Intent string

const (
	IntentArrange        Intent = "arrange"
	IntentDelete         Intent = "delete"
	IntentTransform      Intent = "transform"
	IntentModifyProperty Intent = "modify_property"
	IntentQuery          Intent = "query"
	IntentSpawn          Intent = "spawn"
	IntentUnknown        Intent = "unknown"
)

// intentPatterns are checked in order. More specific intents come first so
// that "create a circular arrangement" is an arrangement, not a spawn.
var intentPatterns = []struct {
	intent  Intent
	pattern *regexp.Regexp
}{
	{IntentArrange, regexp.MustCompile(`\b(arrange|arrangement|layout|lay out|circle|circular|ring|grid|in a (line|row)|row of|line of|scatter(ed)?|randomly)\b`)},
	{IntentDelete, regexp.MustCompile(`\b(delete|remove|destroy|erase|get rid of)\b`)},
	{IntentTransform, regexp.MustCompile(`\b(move|translate|shift|rotate|turn|scale|resize|snap|drop|raise|lower)\b`)},
	{IntentModifyProperty, regexp.MustCompile(`\b(set|change|modify|update|paint|recolou?r)\b|\bmake\b.+\b(` + colorWords + `|brighter|dimmer|visible|invisible|hidden)\b`)},
	{IntentQuery, regexp.MustCompile(`\b(list|show|find|count|how many|what|which|where|inspect|describe|query|look)\b`)},
	{IntentSpawn, regexp.MustCompile(`\b(create|spawn|add|place|put|make|build|insert|generate)\b`)},
}

const colorWords = `red|green|blue|yellow|white|black|orange|purple|pink|gray|grey|brown|cyan|magenta`

// ClassifyIntent maps a request to the first matching intent.
func ClassifyIntent(text string) Intent {
	lower := strings.ToLower(text)
	for _, p := range intentPatterns {
		if p.pattern.MatchString(lower) {
			return p.intent
		}
	}
	return IntentUnknown
}

// Parameter keys stored on goals.
const (
	ParamCount    = "count"
	ParamShape    = "shape"
	ParamLabel    = "label"
	ParamClass    = "class"
	ParamTarget   = "target"
	ParamProperty = "property"
	ParamValue    = "value"
	ParamLocation = "location"
	ParamOffset   = "offset"
	ParamRotation = "rotation"
	ParamScale    = "scale"
	ParamRadius   = "radius"
	ParamSpacing  = "spacing"
)

var (
	countNounRe = regexp.MustCompile(`\b(\d+|` + numberWordPattern + `)\s+(?:(?:small|large|big|tall|short|new|more|red|green|blue|white|black|yellow)\s+)?([a-z][a-z_\-]*)`)
	vectorRe    = regexp.MustCompile(`\(?\s*(-?\d+(?:\.\d+)?)\s*,\s*(-?\d+(?:\.\d+)?)\s*,\s*(-?\d+(?:\.\d+)?)\s*\)?`)
	radiusRe    = regexp.MustCompile(`\bradius\s+(?:of\s+)?(\d+(?:\.\d+)?)`)
	spacingRe   = regexp.MustCompile(`\b(?:spacing|spaced)\s+(?:of\s+|by\s+)?(\d+(?:\.\d+)?)`)
	directionRe = regexp.MustCompile(`\b(up|down|left|right|forward|back|backward)\s+(?:by\s+)?(-?\d+(?:\.\d+)?)`)
	degreesRe   = regexp.MustCompile(`\b(?:by\s+)?(-?\d+(?:\.\d+)?)\s*(?:degrees|deg)\b`)
	scaleRe     = regexp.MustCompile(`\b(?:scale|resize)\b.*?\b(?:by|to)\s+(\d+(?:\.\d+)?)`)
	ofTargetRe  = regexp.MustCompile(`\bof\s+(?:the\s+|all\s+(?:the\s+)?)?([a-z0-9][a-z0-9_\-]*)`)
	verbTarget  = regexp.MustCompile(`\b(?:delete|remove|destroy|erase|move|translate|shift|rotate|turn|scale|resize|snap|drop|raise|lower|set|change|modify|update|paint|make|inspect|describe|find|show|list|count|how many|get rid of)\s+(?:the\s+|all\s+(?:the\s+)?|a\s+|an\s+|every\s+)?([a-z0-9][a-z0-9_\-]*)`)
	propertyRe  = regexp.MustCompile(`\b(colou?r|intensity|brightness|material|visibility|visible|mesh|name|label)\b`)
	toValueRe   = regexp.MustCompile(`\bto\s+['"]?([a-z0-9#.\-_]+)['"]?\s*$`)
	colorRe     = regexp.MustCompile(`\b(` + colorWords + `)\b`)
)

const numberWordPattern = `a dozen|dozen|one|two|three|four|five|six|seven|eight|nine|ten|eleven|twelve|fifteen|twenty|thirty|fifty|hundred`

var numberWords = map[string]int{
	"one": 1, "two": 2, "three": 3, "four": 4, "five": 5, "six": 6, "seven": 7,
	"eight": 8, "nine": 9, "ten": 10, "eleven": 11, "twelve": 12, "fifteen": 15,
	"twenty": 20, "thirty": 30, "fifty": 50, "hundred": 100, "dozen": 12, "a dozen": 12,
}

// shapeWords maps request vocabulary onto layout shapes.
var shapeWords = []struct {
	pattern *regexp.Regexp
	shape   string
}{
	{regexp.MustCompile(`\b(circle|circular|ring)\b`), ShapeCircle},
	{regexp.MustCompile(`\bgrid\b`), ShapeGrid},
	{regexp.MustCompile(`\b(line|row)\b`), ShapeLine},
	{regexp.MustCompile(`\b(random|randomly|scatter|scattered)\b`), ShapeRandom},
}

// nounClasses maps common nouns onto entity classes.
var nounClasses = map[string]string{
	"light":  "PointLight",
	"lamp":   "PointLight",
	"camera": "CameraActor",
	"sound":  "AmbientSound",
	"player": "PlayerStart",
}

// fillerNouns never name a target.
var fillerNouns = map[string]bool{
	"it": true, "them": true, "everything": true, "scene": true, "color": true, "colour": true,
	"intensity": true, "brightness": true, "material": true, "visibility": true, "entity": true,
	"entities": true, "object": true, "objects": true, "actor": true, "actors": true,
	"degree": true, "degrees": true, "deg": true, "unit": true, "units": true, "times": true,
	"percent": true, "meter": true, "meters": true, "cm": true, "all": true, "many": true,
}

// ExtractParameters pulls count, shape, label, target and transform
// parameters out of a request. Absent parameters are omitted.
func ExtractParameters(text string) map[string]string {
	lower := strings.ToLower(strings.TrimSpace(text))
	params := make(map[string]string)

	if m := countNounRe.FindStringSubmatch(lower); m != nil {
		if n, ok := parseCount(m[1]); ok && !fillerNouns[m[2]] {
			params[ParamCount] = strconv.Itoa(n)
			params[ParamLabel] = Singular(m[2])
		}
	}

	for _, sw := range shapeWords {
		if sw.pattern.MatchString(lower) {
			params[ParamShape] = sw.shape
			break
		}
	}

	target := ""
	if m := ofTargetRe.FindStringSubmatch(lower); m != nil && propertyRe.MatchString(lower) && !fillerNouns[m[1]] {
		target = m[1]
	} else if m := verbTarget.FindStringSubmatch(lower); m != nil && !fillerNouns[m[1]] {
		if _, isNumber := parseCount(m[1]); !isNumber {
			target = m[1]
		}
	}
	if target != "" {
		params[ParamTarget] = target
		if _, ok := params[ParamLabel]; !ok {
			params[ParamLabel] = Singular(target)
		}
	}

	if label := params[ParamLabel]; label != "" {
		if class, ok := nounClasses[label]; ok {
			params[ParamClass] = class
		}
	}

	if m := vectorRe.FindStringSubmatch(lower); m != nil {
		params[ParamLocation] = fmt.Sprintf("%s,%s,%s", m[1], m[2], m[3])
	}
	if m := radiusRe.FindStringSubmatch(lower); m != nil {
		params[ParamRadius] = m[1]
	}
	if m := spacingRe.FindStringSubmatch(lower); m != nil {
		params[ParamSpacing] = m[1]
	}
	if m := directionRe.FindStringSubmatch(lower); m != nil {
		params[ParamOffset] = directionOffset(m[1], m[2])
	}
	if m := degreesRe.FindStringSubmatch(lower); m != nil {
		params[ParamRotation] = m[1]
	}
	if m := scaleRe.FindStringSubmatch(lower); m != nil {
		params[ParamScale] = m[1]
	}

	if m := propertyRe.FindStringSubmatch(lower); m != nil {
		prop := m[1]
		if prop == "colour" {
			prop = "color"
		}
		params[ParamProperty] = prop
	}
	if m := toValueRe.FindStringSubmatch(lower); m != nil {
		params[ParamValue] = m[1]
	} else if m := colorRe.FindStringSubmatch(lower); m != nil && ClassifyIntent(lower) == IntentModifyProperty {
		params[ParamValue] = m[1]
		if _, ok := params[ParamProperty]; !ok {
			params[ParamProperty] = "color"
		}
	}

	return params
}

func parseCount(s string) (int, bool) {
	if n, err := strconv.Atoi(s); err == nil {
		return n, n > 0
	}
	n, ok := numberWords[s]
	return n, ok
}

// directionOffset converts "up 100" into an "x,y,z" offset. Z is up, X is forward, Y is right.
func directionOffset(direction, amount string) string {
	switch direction {
	case "up":
		return "0,0," + amount
	case "down":
		return "0,0,-" + strings.TrimPrefix(amount, "-")
	case "right":
		return "0," + amount + ",0"
	case "left":
		return "0,-" + strings.TrimPrefix(amount, "-") + ",0"
	case "forward":
		return amount + ",0,0"
	default:
		return "-" + strings.TrimPrefix(amount, "-") + ",0,0"
	}
}

// Singular returns a naive singular form of an English noun.
func Singular(noun string) string {
	switch {
	case strings.HasSuffix(noun, "ies") && len(noun) > 3:
		return noun[:len(noun)-3] + "y"
	case strings.HasSuffix(noun, "ches"), strings.HasSuffix(noun, "shes"),
		strings.HasSuffix(noun, "xes"), strings.HasSuffix(noun, "sses"):
		return noun[:len(noun)-2]
	case strings.HasSuffix(noun, "ss"):
		return noun
	case strings.HasSuffix(noun, "s") && len(noun) > 1:
		return noun[:len(noun)-1]
	}
	return noun
}
