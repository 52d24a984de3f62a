// Package destination turns a destination template and a download link
// into the object key a file is stored under.
//
// # Usage
//
//	tmpl, err := destination.Parse("csda/{product}/{datetime:%Y}/{datetime:%m}")
//	if err != nil {
//	    return err // *destination.TemplateError
//	}
//	key := tmpl.Path(link) // csda/opnGns/2024/03/scene_0001.tif
package destination
