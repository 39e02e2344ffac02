// Package config loads the agent configuration.
//
// Configuration is read from YAML (.yaml, .yml) or CUE (.cue) files. Fields
// omitted from a file keep the values of Default. CUE files are first
// checked against a schema of the same shape, so constraint errors carry
// CUE positions. Both formats end up in the same decoder and are then
// validated with struct tags:
//
//	cfg, err := config.Load("scenepilot.yaml")
//	if err != nil {
//	    var verrs config.ValidationErrors
//	    if errors.As(err, &verrs) {
//	        for _, e := range verrs {
//	            fmt.Println(e)
//	        }
//	    }
//	    return err
//	}
//
// The advisor API key is never read from files. ResolveSecrets takes it from
// SCENEPILOT_API_KEY, or from the variable named by advisor.api_key_env.
package config
