// Package testutil provides testing utilities for pipewarden.
//
// This package is intended for internal testing only and should not be imported
// by external packages.
//
// # Mock Azure DevOps Server
//
// MockADOServer provides a mock Azure DevOps REST API server for testing:
//
//	server := testutil.NewMockServer(t)
//	server.On("/"+testutil.TestOrg+"/"+testutil.TestProject+"/_apis/build/builds", func(w http.ResponseWriter, r *http.Request) {
//	    testutil.ReplyList(w, build)
//	})
//	// Use server.BaseURL() as the API base URL
//
// # Request Capture
//
// All requests are automatically captured and can be inspected:
//
//	cap := server.LastCapture()
//	assert.Equal(t, "GET", cap.Method)
//	assert.Equal(t, "7.1", cap.Query.Get("api-version"))
//
// # Fake Sleeper
//
// FakeSleeper records sleep calls without actually sleeping:
//
//	sleeper := &testutil.FakeSleeper{}
//	// Pass to client via WithSleeper option
//	assert.Equal(t, 2*time.Second, sleeper.LastCall())
package testutil
