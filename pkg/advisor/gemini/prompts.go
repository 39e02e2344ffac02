package gemini

const systemPrompt = `You assist a scene-editing agent. The agent changes a 3D scene only through tools:
scene_query, get_entity, spawn_entity, delete_entity, set_entity_transform, set_entity_rotation,
set_entity_property, duplicate_entity, snap_to_ground, execute_script, take_screenshot,
reflect_schema, generate_asset.
Scripts are Starlark with the builtins spawn, delete, move, rotate, set_property, entities, math and struct.
Answer briefly and exactly in the requested format. Never add commentary.`

const intentPrompt = `Rewrite this request as one imperative sentence describing the goal:
%s`

const parametersPrompt = `Extract parameters from this request as a flat JSON object with string values.
Use the keys count, shape, label, class, location, target, direction, amount, property, value when present.
Request: %s`

const criteriaPrompt = `Goal: %s
Return a JSON array of success criteria objects with fields description, kind, query, required.
kind is one of world_state, property_check, asset_exists.
world_state queries look like: label contains 'TREE', count >= 10
property_check queries look like: Tree_1.location.x == 100`

const planPrompt = `Goal: %s
Current scene:
%s
Write a numbered plan, one step per line, in the form "N. tool_name: what the step does".`

const argumentsPrompt = `Return the JSON arguments object for a %s call that does this:
%s`

const scriptPrompt = `Write a Starlark script for execute_script that does this:
%s
Return only the code.`

const recoveryPrompt = `Goal: %s
The step %s (%s) failed with: %s
Write an alternative numbered plan, one step per line, in the form "N. tool_name: what the step does".`

const fixesPrompt = `A %s call with arguments %s failed with: %s
List argument fixes, one per line, as name=value with JSON values.`

const explainPrompt = `Goal: %s
It failed because: %s
Explain the failure to the user in two sentences.`

const progressPrompt = `Goal: %s
Progress: %.0f%%
Write one short progress message for the user.`

const questionPrompt = `Goal: %s
The agent is stuck because: %s
Ask the user one question that lets the agent continue. Mention that they may answer retry, skip or abort.`
