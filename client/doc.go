// Package client is the Go SDK for the attachd HTTP API.
//
//	cli, err := client.New("http://127.0.0.1:9342")
//	att, err := cli.Upload(ctx, f, client.UploadOptions{Name: "scan.pdf"})
//	img, err := cli.Image(ctx, att.ID, 320, 0, "")
//
// Content and Image accept the ETag of a previously fetched body and report
// NotModified when the server confirms it is still current.
package client
