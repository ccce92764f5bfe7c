// Package shim assembles the local substitutes into one explicit context object.
//
// A host application written against a hosted backend needs three things from
// it: token verification, model completions and table queries. The Shim
// provides each over local parts:
//
//	s, err := shim.New(ctx, cfg, logger)
//	defer s.Close()
//
//	userID := s.VerifyUserToken(ctx, bearer)
//	resp := s.MakeLLMAPICall(ctx, llm.CompletionRequest{Messages: msgs})
//	res := s.Table("threads").Select("*").Eq("user_id", userID).Execute(ctx)
//
// New opens the store and seeds the default user and project before any
// other service is built. Nothing is global; tests build their own Shim.
package shim
